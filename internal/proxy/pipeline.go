// Package proxy implements the per-request machinery: parse the
// observed permuted request, resolve every parameter back to its
// canonical counterpart, rebuild and dispatch the upstream request, and
// shape the response to the permuted contract.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/goal-eng/api-mutator/internal/abuse"
	"github.com/goal-eng/api-mutator/internal/feed"
	"github.com/goal-eng/api-mutator/internal/mixer"
	"github.com/goal-eng/api-mutator/internal/store"
	"github.com/goal-eng/api-mutator/internal/upstream"
)

// authPath is the canonical operation the proxy shadows instead of
// forwarding, so clients never exercise the real upstream auth endpoint.
const authPath = "/v1/auth"

type Pipeline struct {
	store        *store.Store
	abuse        *abuse.Controller
	upstream     *upstream.Client
	mixers       *mixer.Cache
	hub          *feed.Hub
	supportEmail string
	log          hclog.Logger

	requestProcs []RequestProcessor
	resultProcs  []ResultProcessor
}

func New(st *store.Store, ab *abuse.Controller, up *upstream.Client, mixers *mixer.Cache,
	hub *feed.Hub, supportEmail string, log hclog.Logger) *Pipeline {
	return &Pipeline{
		store:        st,
		abuse:        ab,
		upstream:     up,
		mixers:       mixers,
		hub:          hub,
		supportEmail: supportEmail,
		log:          log,
		requestProcs: []RequestProcessor{
			credentialInjector{appToken: up.AppToken(), authToken: up.AuthToken()},
		},
		resultProcs: []ResultProcessor{
			personalFilter{log: log},
			resultWrap{},
		},
	}
}

// Mixers exposes the mixer cache (the swagger endpoint serves from it).
func (p *Pipeline) Mixers() *mixer.Cache { return p.mixers }

// observed is one parsed input of the incoming request.
type observed struct {
	param mixer.Parameter
	value any
}

// canonicalRequest accumulates reversed parameters grouped by location.
type canonicalRequest struct {
	path, method string
	pathVars     map[string]string
	headers      map[string]string
	query        map[string]string
	form         map[string]string
	body         map[string]any
}

// outcome is a finished response ready for serialization.
type outcome struct {
	status      int
	payload     any
	format      mixer.Format
	canonMethod string
	canonPath   string
}

// Handle proxies one request for the identified user.
func (p *Pipeline) Handle(userID int64, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()[:8]
	log := p.log.With("request_id", requestID, "user_id", userID)

	event := feed.Event{
		ID:             requestID,
		UserID:         userID,
		PermutedMethod: strings.ToUpper(r.Method),
		PermutedPath:   r.URL.Path,
	}
	defer func() {
		event.DurationMs = time.Since(start).Milliseconds()
		p.hub.Publish(event)
	}()

	// (a) Admission.
	globally, err := p.abuse.GlobalBlock()
	if err != nil {
		event.Status = p.writeShaped(w, http.StatusInternalServerError, err.Error())
		return
	}
	if globally {
		log.Warn("globally throttled")
		event.Status = p.writeShaped(w, http.StatusForbidden,
			"permission-denied: proxy is currently unavailable, please try again later")
		return
	}

	user, err := p.store.UserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		event.Status = p.writeShaped(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		event.Status = p.writeShaped(w, http.StatusInternalServerError, err.Error())
		return
	}

	throttled, err := p.abuse.UserBlock(user.ID)
	if err != nil {
		event.Status = p.writeShaped(w, http.StatusInternalServerError, err.Error())
		return
	}
	if throttled {
		log.Warn("user throttled")
		event.Status = p.writeShaped(w, http.StatusForbidden,
			"suspicious-operation: too many attempts with wrong credentials; please wait 24h before further attempts")
		return
	}

	out, err := p.process(user, r, log)
	if err != nil {
		log.Info("request failed", "error", err)
		event.Status = p.writeShaped(w, statusForError(err), err.Error())
		return
	}

	event.Method = strings.ToUpper(out.canonMethod)
	event.Path = out.canonPath
	event.Status = out.status

	data, err := out.format.Encode(out.payload)
	if err != nil {
		event.Status = p.writeShaped(w, http.StatusInternalServerError, "response encoding failed")
		return
	}
	w.Header().Set("Content-Type", out.format.Name)
	w.WriteHeader(out.status)
	w.Write(data)
}

// process runs stages (b)..(i) and returns the shaped response.
func (p *Pipeline) process(user *store.User, r *http.Request, log hclog.Logger) (*outcome, error) {
	// (b) Mixer acquisition.
	m, err := p.mixers.Get(user.ID)
	if err != nil {
		return nil, err
	}

	permMethod := strings.ToLower(r.Method)
	permPath := r.URL.Path

	reqFormat, respFormat := mixer.JSONFormat, mixer.JSONFormat
	if op, ok := m.PermutedOperation(permMethod, permPath); ok {
		reqFormat = mixer.EffectiveFormat(op.Consumes)
		respFormat = mixer.EffectiveFormat(op.Produces)
	}

	// (c) Parse the observed request.
	obs, err := p.parseObserved(r, permMethod, permPath, reqFormat)
	if err != nil {
		return nil, err
	}

	// (d) Reverse every observed parameter.
	canon, err := p.reverse(m, obs, permMethod, permPath, log)
	if err != nil {
		return nil, err
	}

	// (f) Local authentication shadow: never forwarded upstream.
	if strings.EqualFold(canon.path, authPath) {
		return p.localAuth(user, canon, respFormat, m)
	}

	// (e) Build the canonical request.
	req, err := p.buildRequest(r, canon)
	if err != nil {
		return nil, err
	}

	// (g) Request processors (credential injection).
	for _, proc := range p.requestProcs {
		if err := proc.ProcessRequest(req, m.Meta); err != nil {
			return nil, err
		}
	}

	log.Debug("dispatching", "method", req.Method, "url", req.URL.String())

	// (h) Dispatch.
	resp, err := p.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if err := p.abuse.RecordFailure(user.ID); err != nil {
			log.Error("failed to record authentication failure", "error", err)
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	var payload any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		payload = string(respBody)
	}

	// (i) Result processors (personal filter, result wrapping).
	for _, proc := range p.resultProcs {
		if payload, err = proc.ProcessResult(payload, m.Meta); err != nil {
			return nil, err
		}
	}

	return &outcome{
		status:      resp.StatusCode,
		payload:     payload,
		format:      respFormat,
		canonMethod: canon.method,
		canonPath:   canon.path,
	}, nil
}

func (p *Pipeline) parseObserved(r *http.Request, permMethod, permPath string, reqFormat mixer.Format) ([]observed, error) {
	obs := []observed{
		// Synthetic entry so path/method resolve even with no inputs.
		{param: mixer.NewParameter(permPath, mixer.F(permMethod), mixer.F("path"), mixer.Any)},
	}

	for name, values := range r.Header {
		obs = append(obs, observed{
			param: mixer.NewParameter(permPath, mixer.F(permMethod), mixer.F("header"), mixer.F(strings.ToLower(name))),
			value: values[0],
		})
	}
	for name, values := range r.URL.Query() {
		obs = append(obs, observed{
			param: mixer.NewParameter(permPath, mixer.F(permMethod), mixer.F("query"), mixer.F(name)),
			value: values[0],
		})
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return obs, nil
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		fields, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
		}
		for name, values := range fields {
			obs = append(obs, observed{
				param: mixer.NewParameter(permPath, mixer.F(permMethod), mixer.F("formData"), mixer.F(name)),
				value: values[0],
			})
		}
		return obs, nil
	}

	// Swagger UI sends text/plain for empty payloads; anything that is
	// not a known media type falls back to the operation's declared
	// format.
	format := reqFormat
	if named, ok := mixer.FormatByName(contentType); ok {
		format = named
	}
	var decoded any
	if err := format.Decode(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: not valid %s", ErrBadBody, format.Name)
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body must be an object", ErrBadBody)
	}
	for key, value := range object {
		obs = append(obs, observed{
			param: mixer.NewParameter(permPath, mixer.F(permMethod), mixer.F("body"), mixer.F(key)),
			value: value,
		})
	}
	return obs, nil
}

func (p *Pipeline) reverse(m *mixer.Mixer, obs []observed, permMethod, permPath string, log hclog.Logger) (*canonicalRequest, error) {
	canon := &canonicalRequest{
		pathVars: map[string]string{},
		headers:  map[string]string{},
		query:    map[string]string{},
		form:     map[string]string{},
		body:     map[string]any{},
	}

	for _, o := range obs {
		def, cp, err := m.Reverse(o.param)
		if err != nil {
			// Clients send many standard headers with no canonical
			// counterpart; those (and an unmatched synthetic path
			// entry) are dropped silently.
			if in := o.param.In.Value; in == "path" || in == "header" {
				log.Debug("skipping unmatched parameter", "in", in, "name", o.param.Name.Value)
				continue
			}
			return nil, fmt.Errorf("%w: %s %s %s=%q is not valid here",
				ErrUnexpectedParameter, strings.ToUpper(permMethod), permPath, o.param.In.Value, o.param.Name.Value)
		}

		if canon.path == "" {
			canon.path = cp.Path
			canon.method = cp.Method.Value
		} else if !strings.EqualFold(canon.path, cp.Path) || !strings.EqualFold(canon.method, cp.Method.Value) {
			return nil, fmt.Errorf("%w: parameters resolve to conflicting operations", ErrUnexpectedParameter)
		}

		switch {
		case cp.In.Wildcard:
			// Marker for a parameterless operation; nothing to bind.
		case strings.EqualFold(cp.In.Value, "path"):
			for name, value := range def.ExtractPathVars(permPath) {
				canon.pathVars[name] = value
			}
		case strings.EqualFold(cp.In.Value, "header"):
			canon.headers[cp.Name.Value] = valueString(o.value)
		case strings.EqualFold(cp.In.Value, "query"):
			canon.query[cp.Name.Value] = valueString(o.value)
		case strings.EqualFold(cp.In.Value, "formData"):
			canon.form[cp.Name.Value] = valueString(o.value)
		default: // body
			canon.body[cp.Name.Value] = o.value
		}
	}

	if canon.path == "" {
		return nil, fmt.Errorf("%w: %s %s matches no operation",
			ErrUnexpectedParameter, strings.ToUpper(permMethod), permPath)
	}
	return canon, nil
}

func (p *Pipeline) buildRequest(r *http.Request, canon *canonicalRequest) (*http.Request, error) {
	path := canon.path
	for name, value := range canon.pathVars {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case len(canon.body) > 0:
		encoded, err := json.Marshal(canon.body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	case len(canon.form) > 0:
		values := url.Values{}
		for name, value := range canon.form {
			values.Set(name, value)
		}
		bodyReader = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(r.Context(), strings.ToUpper(canon.method), p.upstream.BaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}
	for name, value := range canon.headers {
		req.Header.Set(name, value)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if len(canon.query) > 0 {
		q := req.URL.Query()
		for name, value := range canon.query {
			q.Set(name, value)
		}
		req.URL.RawQuery = q.Encode()
	}
	return req, nil
}

// localAuth verifies credentials against the local account instead of
// forwarding to the real auth endpoint, and fabricates the upstream's
// response shape.
func (p *Pipeline) localAuth(user *store.User, canon *canonicalRequest, respFormat mixer.Format, m *mixer.Mixer) (*outcome, error) {
	email := canon.bodyOrForm("email")
	if !strings.EqualFold(email, user.Email) {
		return nil, fmt.Errorf("%w: wrong email", ErrBadCredentials)
	}
	if !user.CheckPassword(canon.bodyOrForm("password")) {
		return nil, fmt.Errorf("%w: wrong password", ErrBadCredentials)
	}
	appToken, ok := headerValue(canon.headers, "App-Token")
	if !ok || appToken == "" {
		return nil, fmt.Errorf("%w: missing app token", ErrBadCredentials)
	}
	if appToken != user.AppToken {
		return nil, fmt.Errorf("%w: wrong app token", ErrBadCredentials)
	}

	var payload any = map[string]any{
		"id":            nil,
		"name":          nil,
		"last_activity": nil,
		"auth_token":    user.AuthToken,
	}
	var err error
	for _, proc := range p.resultProcs {
		if payload, err = proc.ProcessResult(payload, m.Meta); err != nil {
			return nil, err
		}
	}
	return &outcome{
		status:      http.StatusOK,
		payload:     payload,
		format:      respFormat,
		canonMethod: canon.method,
		canonPath:   canon.path,
	}, nil
}

func (c *canonicalRequest) bodyOrForm(name string) string {
	if v, ok := c.body[name]; ok {
		return valueString(v)
	}
	return c.form[name]
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func valueString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// writeShaped emits an error body through the result-wrapping shape so
// failures match the permuted schema contract. Returns the status for
// feed bookkeeping.
func (p *Pipeline) writeShaped(w http.ResponseWriter, status int, message string) int {
	body := map[string]any{
		"result": map[string]any{
			"error": message,
			"help":  "please contact " + p.supportEmail,
		},
	}
	w.Header().Set("Content-Type", mixer.JSONFormat.Name)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
	return status
}
