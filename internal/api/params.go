package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/sovits-gateway/internal/protocol"
)

const maxBodyBytes = 1 << 20

// FieldError is one entry of a 422 validation response.
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

type validationError struct {
	Detail []FieldError `json:"detail"`
}

func (v *validationError) Error() string {
	parts := make([]string, 0, len(v.Detail))
	for _, d := range v.Detail {
		parts = append(parts, d.Msg)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (v *validationError) add(source, field, msg, typ string) {
	loc := []any{source}
	if field != "" {
		loc = append(loc, field)
	}
	v.Detail = append(v.Detail, FieldError{Loc: loc, Msg: msg, Type: typ})
}

func (v *validationError) missing(source, field string) {
	v.add(source, field, "field required", "value_error.missing")
}

func (v *validationError) orNil() error {
	if len(v.Detail) == 0 {
		return nil
	}
	return v
}

// parseQuery builds a synthesis request from query parameters.
func parseQuery(q url.Values) (protocol.SynthesisRequest, error) {
	var (
		req  protocol.SynthesisRequest
		verr validationError
	)
	required := map[string]*string{
		"text":           &req.Text,
		"text_lang":      &req.TextLang,
		"ref_audio_path": &req.RefAudioPath,
		"prompt_lang":    &req.PromptLang,
	}
	for _, name := range protocol.RequiredFields {
		if !q.Has(name) {
			verr.missing("query", name)
			continue
		}
		*required[name] = q.Get(name)
	}

	req.PromptText = queryString(q, "prompt_text")
	req.TextSplitMethod = queryString(q, "text_split_method")
	req.MediaType = queryString(q, "media_type")
	req.TopK = queryInt(q, "top_k", &verr)
	req.BatchSize = queryInt(q, "batch_size", &verr)
	req.TopP = queryFloat(q, "top_p", &verr)
	req.Temperature = queryFloat(q, "temperature", &verr)
	req.BatchThreshold = queryFloat(q, "batch_threshold", &verr)
	req.SpeedFactor = queryFloat(q, "speed_factor", &verr)
	req.StreamingMode = queryBool(q, "streaming_mode", &verr)
	return req, verr.orNil()
}

func queryString(q url.Values, name string) *string {
	if !q.Has(name) {
		return nil
	}
	v := q.Get(name)
	return &v
}

func queryInt(q url.Values, name string, verr *validationError) *int {
	if !q.Has(name) {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(q.Get(name)))
	if err != nil {
		verr.add("query", name, "value is not a valid integer", "type_error.integer")
		return nil
	}
	return &v
}

func queryFloat(q url.Values, name string, verr *validationError) *float64 {
	if !q.Has(name) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(q.Get(name)), 64)
	if err != nil {
		verr.add("query", name, "value is not a valid float", "type_error.float")
		return nil
	}
	return &v
}

func queryBool(q url.Values, name string, verr *validationError) *bool {
	if !q.Has(name) {
		return nil
	}
	v, ok := parseBool(q.Get(name))
	if !ok {
		verr.add("query", name, "value could not be parsed to a boolean", "type_error.bool")
		return nil
	}
	return &v
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	}
	return false, false
}

// parseBody builds a synthesis request from a JSON body.
func parseBody(body io.Reader) (protocol.SynthesisRequest, error) {
	var (
		req  protocol.SynthesisRequest
		verr validationError
	)
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		verr.add("body", "", err.Error(), "value_error")
		return req, &verr
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		verr.add("body", "", "invalid JSON body: "+err.Error(), "value_error.jsondecode")
		return req, &verr
	}
	for _, name := range protocol.RequiredFields {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			verr.missing("body", name)
		}
	}

	coerceFields(fields)
	if data, err = json.Marshal(fields); err != nil {
		verr.add("body", "", err.Error(), "value_error")
		return req, &verr
	}
	if err := json.Unmarshal(data, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			verr.add("body", typeErr.Field, "value is not a valid "+typeErr.Type.String(), "type_error."+typeErr.Type.String())
		} else {
			verr.add("body", "", err.Error(), "value_error")
		}
	}
	return req, verr.orNil()
}

var (
	intFields   = []string{"top_k", "batch_size"}
	floatFields = []string{"top_p", "temperature", "batch_threshold", "speed_factor"}
	boolFields  = []string{"streaming_mode"}
)

// coerceFields rewrites loosely typed body values into their JSON types:
// numeric strings, integral floats for integer fields and boolean words.
// Anything that does not convert is left for the type check to report.
func coerceFields(fields map[string]json.RawMessage) {
	for _, name := range intFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(scalarText(raw), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			continue
		}
		fields[name] = json.RawMessage(strconv.FormatInt(int64(f), 10))
	}
	for _, name := range floatFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(scalarText(raw), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			continue
		}
		fields[name] = json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))
	}
	for _, name := range boolFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if v, ok := parseBool(scalarText(raw)); ok {
			fields[name] = json.RawMessage(strconv.FormatBool(v))
		}
	}
}

// scalarText returns the contents of a JSON string, or the literal text of
// any other value.
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(bytes.TrimSpace(raw))
}
