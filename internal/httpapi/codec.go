// v0
// internal/httpapi/codec.go
package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// optionalFloat accepts a JSON number, a numeric string, an empty string or
// null. Blank values leave the field unset, matching what operator forms
// send for untouched inputs.
type optionalFloat struct {
	set bool
	v   float64
}

func (o *optionalFloat) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		*o = optionalFloat{}
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*o = optionalFloat{}
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*o = optionalFloat{set: true, v: f}
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	*o = optionalFloat{set: true, v: f}
	return nil
}

func (o optionalFloat) ptr() *float64 {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

// optionalString treats an empty string like an absent one.
type optionalString struct {
	set bool
	v   string
}

func (o *optionalString) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*o = optionalString{}
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if s == "" {
		*o = optionalString{}
		return nil
	}
	*o = optionalString{set: true, v: s}
	return nil
}

func (o optionalString) ptr() *string {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

// flexInt accepts a JSON integer or an integer string.
type flexInt int

func (n *flexInt) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		*n = flexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}
