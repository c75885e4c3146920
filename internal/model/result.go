package model

import (
	"encoding/json"
	"fmt"
)

// Result is the final outcome object reported by a claim or authenticate
// worker, or synthesized for a monitoring run. Keys the type does not know
// are kept in Extra so the object survives a store round trip unchanged.
type Result struct {
	Success        bool
	Error          string
	Username       string
	Message        string
	Profile        *Profile
	StatusMessages []map[string]any
	Extra          map[string]any
}

// Profile is the account profile reported by a successful authentication.
// Unknown keys are kept in Extra like they are for Result.
type Profile struct {
	Username           string         `json:"username"`
	UUID               string         `json:"uuid,omitempty"`
	Token              string         `json:"token,omitempty"`
	NameChangeEligible bool           `json:"name_change_eligible"`
	AuthenticatedAt    string         `json:"authenticated_at,omitempty"`
	Extra              map[string]any `json:"-"`
}

type profileKnown Profile

var profileKeys = []string{"username", "uuid", "token", "name_change_eligible", "authenticated_at"}

func (p Profile) MarshalJSON() ([]byte, error) {
	return marshalExtra(profileKnown(p), p.Extra)
}

func (p *Profile) UnmarshalJSON(b []byte) error {
	var known profileKnown
	extra, err := unmarshalExtra(b, &known, profileKeys)
	if err != nil {
		return err
	}
	*p = Profile(known)
	p.Extra = extra
	return nil
}

// AuthSession is the persisted credential set. The token never leaves
// the process except as a claim worker argument.
type AuthSession struct {
	Token   string
	Profile Profile
}

// Failure returns an unsuccessful Result carrying msg.
func Failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

type resultKnown struct {
	Success        bool             `json:"success"`
	Error          string           `json:"error,omitempty"`
	Username       string           `json:"username,omitempty"`
	Message        string           `json:"message,omitempty"`
	Profile        *Profile         `json:"profile,omitempty"`
	StatusMessages []map[string]any `json:"statusMessages,omitempty"`
}

var resultKeys = []string{"success", "error", "username", "message", "profile", "statusMessages"}

func (r Result) MarshalJSON() ([]byte, error) {
	return marshalExtra(resultKnown{
		Success:        r.Success,
		Error:          r.Error,
		Username:       r.Username,
		Message:        r.Message,
		Profile:        r.Profile,
		StatusMessages: r.StatusMessages,
	}, r.Extra)
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var known resultKnown
	extra, err := unmarshalExtra(b, &known, resultKeys)
	if err != nil {
		return err
	}
	*r = Result{
		Success:        known.Success,
		Error:          known.Error,
		Username:       known.Username,
		Message:        known.Message,
		Profile:        known.Profile,
		StatusMessages: known.StatusMessages,
		Extra:          extra,
	}
	return nil
}

// marshalExtra encodes known on top of extra; known keys win.
func marshalExtra(known any, extra map[string]any) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(b, &knownMap); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(extra)+len(knownMap))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// unmarshalExtra decodes b into known and returns the keys other than keys,
// nil when there are none.
func unmarshalExtra(b []byte, known any, keys []string) (map[string]any, error) {
	if err := json.Unmarshal(b, known); err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// ResultFromFields converts a decoded worker message into a Result.
func ResultFromFields(fields map[string]any) (Result, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return Result{}, fmt.Errorf("encoding result fields: %w", err)
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, fmt.Errorf("decoding result: %w", err)
	}
	// workers report the auth token either inside profile or next to it
	if tok, ok := fields["token"].(string); ok && r.Profile != nil && r.Profile.Token == "" {
		r.Profile.Token = tok
	}
	return r, nil
}

// ErrorText returns the failure reason, falling back to def.
func (r Result) ErrorText(def string) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "" && !r.Success:
		return r.Message
	default:
		return def
	}
}
