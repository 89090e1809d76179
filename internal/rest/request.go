// request.go assembles outgoing HTTP calls on the resty client.
//
// Every request carries the browser-like header set derived from the
// configured client properties, the base64 super-properties blob, and the
// per-call extras (audit reason, context properties, MFA and captcha
// headers). Bodies are JSON by default and multipart when files are
// attached, with the JSON data riding along as payload_json unless the
// caller opts into bare form fields.
package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"discord-session/pkg/types"
)

// CaptchaChallenge is the server's captcha demand, parsed from a 4xx body.
type CaptchaChallenge struct {
	Key       []string `json:"captcha_key"`
	Service   string   `json:"captcha_service"`
	SiteKey   string   `json:"captcha_sitekey"`
	RqData    string   `json:"captcha_rqdata"`
	RqToken   string   `json:"captcha_rqtoken"`
	SessionID string   `json:"captcha_session_id"`
}

// CaptchaSolver produces a captcha solution key for a challenge. Supplied by
// the application; the pipeline retries the request with the solution
// attached.
type CaptchaSolver func(ctx context.Context, challenge CaptchaChallenge, userAgent string) (string, error)

// RejectPolicy decides whether a rate-limited request should fail fast with
// RateLimitError instead of waiting.
type RejectPolicy func(info types.RateLimitInfo) bool

// RejectRoutePrefixes builds a policy matching bucket routes by prefix.
func RejectRoutePrefixes(prefixes ...string) RejectPolicy {
	return func(info types.RateLimitInfo) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(info.Route, p) {
				return true
			}
		}
		return false
	}
}

// Config carries the REST half of the client configuration.
type Config struct {
	Token     string
	APIBase   string // https://.../api
	Version   int
	UserAgent string
	Headers   map[string]string // caller-supplied base headers

	Locale         string
	OS             string
	Timezone       string
	InstallationID string
	Properties     map[string]any // super-properties source

	Agent      string // proxy URL, empty for direct
	TLSCiphers []uint16

	GlobalLimit                   int // requests per second, restGlobalRateLimit
	RequestTimeout                time.Duration
	TimeOffset                    time.Duration // restTimeOffset
	SweepInterval                 time.Duration
	RetryLimit                    int
	InvalidRequestWarningInterval int
	CaptchaRetryLimit             int

	CaptchaSolver     CaptchaSolver
	TOTPKey           string
	RejectOnRateLimit RejectPolicy
}

// platformLabel maps a properties OS value to the header platform name.
func platformLabel(os string) string {
	switch strings.ToLower(os) {
	case "windows", "win32":
		return "Windows"
	case "darwin", "osx", "mac os x":
		return "Mac OS X"
	case "linux":
		return "Linux"
	case "android":
		return "Android"
	case "ios":
		return "iOS"
	default:
		return os
	}
}

// browserMajor pulls the Chrome major version out of the user agent, for the
// sec-ch-ua header family.
func browserMajor(ua string) string {
	const marker = "Chrome/"
	i := strings.Index(ua, marker)
	if i < 0 {
		return ""
	}
	rest := ua[i+len(marker):]
	if j := strings.IndexByte(rest, '.'); j > 0 {
		return rest[:j]
	}
	return ""
}

// apiRequest is one queued REST call.
type apiRequest struct {
	ctx    context.Context
	method string
	route  Route
	opts   *types.RequestOptions

	extraHeaders map[string]string // captcha/MFA headers added across retries

	result chan apiResult
}

type apiResult struct {
	body []byte
	err  error
}

// buildRequest translates an apiRequest into a resty request. The manager's
// resty client supplies base URL, timeout, cookie jar, proxy, and TLS
// settings.
func (m *Manager) buildRequest(req *apiRequest) (*resty.Request, string, error) {
	opts := req.opts
	path := req.route.Path()
	if opts.VersionedEnabled() {
		path = fmt.Sprintf("/v%d%s", m.cfg.Version, path)
	}

	r := m.http.R().SetContext(req.ctx)

	if len(opts.Query) > 0 {
		r.SetQueryParamsFromValues(url.Values(opts.Query))
	}

	// Browser-like base headers.
	r.SetHeader("User-Agent", m.cfg.UserAgent)
	r.SetHeader("Accept", "*/*")
	if m.cfg.Locale != "" {
		r.SetHeader("Accept-Language", m.cfg.Locale)
		r.SetHeader("X-Discord-Locale", m.cfg.Locale)
	}
	if major := browserMajor(m.cfg.UserAgent); major != "" {
		r.SetHeader("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%s", "Not A Brand";v="99"`, major))
		r.SetHeader("Sec-Ch-Ua-Platform", fmt.Sprintf("%q", platformLabel(m.cfg.OS)))
		r.SetHeader("Sec-Ch-Ua-Mobile", "?0")
	}
	r.SetHeader("X-Super-Properties", m.superProperties())
	if m.cfg.Timezone != "" {
		r.SetHeader("X-Discord-Timezone", m.cfg.Timezone)
	}
	if m.cfg.InstallationID != "" {
		r.SetHeader("X-Client-Installation-Id", m.cfg.InstallationID)
	}
	for k, v := range m.cfg.Headers {
		r.SetHeader(k, v)
	}
	for k, v := range opts.Headers {
		r.SetHeader(k, v)
	}

	if opts.AuthEnabled() && !opts.Webhook {
		r.SetHeader("Authorization", m.authToken())
	}
	if opts.Reason != "" {
		r.SetHeader("X-Audit-Log-Reason", url.PathEscape(opts.Reason))
	}
	if opts.Context != nil {
		raw, err := json.Marshal(opts.Context)
		if err != nil {
			return nil, "", fmt.Errorf("encode context properties: %w", err)
		}
		r.SetHeader("X-Context-Properties", base64.StdEncoding.EncodeToString(raw))
	}
	if opts.MFAToken != "" {
		r.SetHeader("X-Discord-Mfa-Authorization", opts.MFAToken)
	} else if tok := m.cachedMFAToken(); tok != "" {
		r.SetHeader("X-Discord-Mfa-Authorization", tok)
	}
	for k, v := range req.extraHeaders {
		r.SetHeader(k, v)
	}

	if len(opts.Files) > 0 {
		for i, f := range opts.Files {
			key := f.Key
			if key == "" {
				key = fmt.Sprintf("files[%d]", i)
			}
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			r.SetMultipartField(key, f.Name, ct, f.Reader)
		}
		if opts.Data != nil {
			if opts.DontUsePayloadJSON {
				fields, err := formFields(opts.Data)
				if err != nil {
					return nil, "", err
				}
				r.SetMultipartFormData(fields)
			} else {
				raw, err := json.Marshal(opts.Data)
				if err != nil {
					return nil, "", fmt.Errorf("encode payload_json: %w", err)
				}
				r.SetMultipartField("payload_json", "", "application/json", strings.NewReader(string(raw)))
			}
		}
	} else if opts.Data != nil {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(opts.Data)
	}

	return r, path, nil
}

// formFields flattens a JSON-ish data value into multipart form fields.
func formFields(data any) (map[string]string, error) {
	if m, ok := data.(map[string]string); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode form fields: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("form data must be an object: %w", err)
	}
	fields := make(map[string]string, len(generic))
	for k, v := range generic {
		switch t := v.(type) {
		case string:
			fields[k] = t
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fields[k] = string(enc)
		}
	}
	return fields, nil
}

// execute issues the request with the canonical method.
func execute(r *resty.Request, method, path string) (*resty.Response, error) {
	return r.Execute(strings.ToUpper(method), path)
}
