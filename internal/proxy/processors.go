package proxy

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/mixer"
)

// RequestProcessor rewrites an outgoing canonical request before
// dispatch. Processors run in order and are fixed at pipeline
// construction.
type RequestProcessor interface {
	ProcessRequest(req *http.Request, meta *mixer.Meta) error
}

// ResultProcessor transforms the decoded upstream payload before it is
// serialized back to the client.
type ResultProcessor interface {
	ProcessResult(v any, meta *mixer.Meta) (any, error)
}

// credentialInjector verifies the client-supplied App-Token/Auth-Token
// against the user's stored credentials, then overwrites both with the
// process-wide upstream credentials. The user's own tokens never reach
// the upstream.
type credentialInjector struct {
	appToken  string
	authToken string
}

func (c credentialInjector) ProcessRequest(req *http.Request, meta *mixer.Meta) error {
	appToken := req.Header.Get("App-Token")
	if appToken == "" {
		return fmt.Errorf("%w: missing app token", ErrBadCredentials)
	}
	if subtle.ConstantTimeCompare([]byte(appToken), []byte(meta.User.AppToken)) != 1 {
		return fmt.Errorf("%w: wrong app token", ErrBadCredentials)
	}
	req.Header.Set("App-Token", c.appToken)

	authToken := req.Header.Get("Auth-Token")
	if authToken == "" {
		return fmt.Errorf("%w: missing auth token", ErrBadCredentials)
	}
	if subtle.ConstantTimeCompare([]byte(authToken), []byte(meta.User.AuthToken)) != 1 {
		return fmt.Errorf("%w: wrong auth token", ErrBadCredentials)
	}
	req.Header.Set("Auth-Token", c.authToken)
	return nil
}

// personalFilter redacts top-level lists down to the entries the user is
// entitled to see. The shape of a list's first element decides which
// ownership rule applies; lists matching no rule pass through.
type personalFilter struct {
	log hclog.Logger
}

func (f personalFilter) ProcessResult(v any, meta *mixer.Meta) (any, error) {
	data, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}

	email := meta.User.Email
	userData := meta.UserData
	orgNames := userData.OrganizationNames()
	projectNames := userData.ProjectNames()
	projectIDs := userData.ProjectIDs()

	out := make(map[string]any, len(data))
	for key, content := range data {
		list, ok := content.([]any)
		if !ok || len(list) == 0 {
			out[key] = content
			continue
		}
		first, ok := list[0].(map[string]any)
		if !ok {
			f.log.Debug("no filters applied", "key", key)
			out[key] = content
			continue
		}

		switch {
		case hasKey(first, "email"):
			out[key] = filterList(list, func(item map[string]any) bool {
				s, _ := item["email"].(string)
				return s == email
			})
		case nestedEmail(first):
			out[key] = filterList(list, func(item map[string]any) bool {
				user, _ := item["user"].(map[string]any)
				s, _ := user["email"].(string)
				return s == email
			})
		case key == "organizations":
			out[key] = filterList(list, func(item map[string]any) bool {
				s, _ := item["name"].(string)
				return orgNames[s]
			})
		case key == "projects":
			out[key] = filterList(list, func(item map[string]any) bool {
				s, _ := item["name"].(string)
				return projectNames[s]
			})
		case hasKey(first, "user_id"):
			out[key] = filterList(list, func(item map[string]any) bool {
				n, ok := asInt64(item["user_id"])
				return ok && n == userData.ID
			})
		case hasKey(first, "project_id"):
			out[key] = filterList(list, func(item map[string]any) bool {
				n, ok := asInt64(item["project_id"])
				return ok && projectIDs[n]
			})
		default:
			f.log.Debug("no filters applied", "key", key)
			out[key] = content
		}
	}
	return out, nil
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func nestedEmail(m map[string]any) bool {
	user, ok := m["user"].(map[string]any)
	if !ok {
		return false
	}
	return hasKey(user, "email")
}

func filterList(list []any, keep func(map[string]any) bool) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if ok && keep(m) {
			out = append(out, item)
		}
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// resultWrap nests the payload under "result", matching the
// permute_result schema rewriting.
type resultWrap struct{}

func (resultWrap) ProcessResult(v any, _ *mixer.Meta) (any, error) {
	return map[string]any{"result": v}, nil
}
