package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/rhuss/uiaa/pkg/api"
)

// Policy is one localised terms document offered by m.login.terms.
type Policy struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TermsParams are the params of m.login.terms. Policies maps a policy id
// to its version and translations keyed by language.
type TermsParams struct {
	Policies map[string]TermsPolicy `json:"policies"`
}

// TermsPolicy is one entry of TermsParams.Policies.
type TermsPolicy struct {
	Version      string
	Translations map[string]Policy
}

// UnmarshalJSON separates "version" from the language keys.
func (p *TermsPolicy) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Translations = make(map[string]Policy)
	for k, v := range raw {
		if k == "version" {
			if err := json.Unmarshal(v, &p.Version); err != nil {
				return fmt.Errorf("policy version: %w", err)
			}
			continue
		}
		var pol Policy
		if err := json.Unmarshal(v, &pol); err != nil {
			return fmt.Errorf("policy translation %q: %w", k, err)
		}
		p.Translations[k] = pol
	}
	return nil
}

// ReCaptchaParams are the params of m.login.recaptcha.
type ReCaptchaParams struct {
	PublicKey string `json:"public_key"`
}

// DecodeParams unmarshals the params a challenge carries for kind, as found
// in UiaaInfo.Params, into v. It reports false when raw is empty.
func DecodeParams(kind api.StageKind, raw json.RawMessage, v any) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decoding params for %s: %w", kind, err)
	}
	return true, nil
}
