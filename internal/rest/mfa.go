// mfa.go completes second-factor challenges with a configured TOTP secret.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// mfaErrorCode is the API error code demanding a second factor.
const mfaErrorCode = 60003

// mfaChallenge is the 4xx body shape for code 60003.
type mfaChallenge struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	MFA     struct {
		Ticket  string `json:"ticket"`
		Methods []struct {
			Type string `json:"type"`
		} `json:"methods"`
	} `json:"mfa"`
}

func (c *mfaChallenge) offersTOTP() bool {
	for _, m := range c.MFA.Methods {
		if m.Type == "totp" {
			return true
		}
	}
	return false
}

// completeMFA generates a TOTP code, finishes the verification, and returns
// the short-lived MFA token the retried request must carry.
func (m *Manager) completeMFA(ctx context.Context, challenge *mfaChallenge) (string, error) {
	code, err := totp.GenerateCode(m.cfg.TOTPKey, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetHeader("Authorization", m.authToken()).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"ticket":   challenge.MFA.Ticket,
			"mfa_type": "totp",
			"data":     code,
		}).
		Post(fmt.Sprintf("/v%d/mfa/finish", m.cfg.Version))
	if err != nil {
		return "", fmt.Errorf("mfa finish: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("mfa finish rejected: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("decode mfa token: %w", err)
	}
	m.setMFAToken(result.Token)
	return result.Token, nil
}
