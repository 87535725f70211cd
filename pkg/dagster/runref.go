package dagster

import (
	"net/url"
	"strings"

	"github.com/nakamasato/dagster-diagnostic-agent/pkg/diagerr"
)

const cloudDomainSuffix = ".dagster.cloud"

// ParseRunURL resolves a Dagster Cloud run URL into a RunReference.
//
// Two shapes are understood:
//   - https://<domain>/org/<org>/[<deployment>/]runs/<run-id>
//   - https://<org>.dagster.cloud/[<deployment>/]runs/<run-id>
//
// Anything after the run id, including query and fragment, is ignored.
func ParseRunURL(raw string) (RunReference, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return RunReference{}, diagerr.Wrap(diagerr.InvalidURL, err, "cannot parse run URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RunReference{}, diagerr.New(diagerr.InvalidURL, "run URL must use http or https: %q", raw)
	}
	if u.Host == "" {
		return RunReference{}, diagerr.New(diagerr.InvalidURL, "run URL has no host: %q", raw)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	runsIdx := -1
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "runs" && segments[i+1] != "" {
			runsIdx = i
			break
		}
	}
	if runsIdx < 0 {
		return RunReference{}, diagerr.New(diagerr.InvalidURL, "cannot parse run ID from URL: %s", raw)
	}

	ref := RunReference{
		RunID:  segments[runsIdx+1],
		scheme: u.Scheme,
		host:   u.Host,
	}

	prefix := segments[:runsIdx]
	if len(prefix) > 0 {
		ref.prefix = "/" + strings.Join(prefix, "/")
	}

	switch {
	case len(prefix) > 0 && prefix[0] == "org":
		if len(prefix) < 2 {
			return RunReference{}, diagerr.New(diagerr.InvalidURL, "missing organization after /org/ in URL: %s", raw)
		}
		ref.Organization = prefix[1]
		ref.Deployment = strings.Join(prefix[2:], "/")
	default:
		hostname := u.Hostname()
		if strings.HasSuffix(hostname, cloudDomainSuffix) {
			ref.Organization = strings.SplitN(hostname, ".", 2)[0]
		}
		ref.Deployment = strings.Join(prefix, "/")
	}

	return ref, nil
}
