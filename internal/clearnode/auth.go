package clearnode

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/ledgermarket/internal/correlator"
	"github.com/alanyoungcy/ledgermarket/internal/crypto"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/rpc"
)

// authenticate runs auth_request -> auth_challenge -> auth_verify. The
// policy the wallet signs is derived from the exact params sent in
// auth_request; the node rejects any mismatch.
func (c *Client) authenticate(ctx context.Context, corr *correlator.Correlator, key *crypto.SessionKey) (domain.Session, error) {
	started := c.now()
	expiresAt := started.Add(c.cfg.SessionTTL).Truncate(time.Second)

	params := rpc.AuthRequestParams{
		Address:     c.wallet.Address().Hex(),
		SessionKey:  key.Address().Hex(),
		Application: c.cfg.Application,
		Allowances:  allowanceParams(c.cfg.Allowances),
		ExpiresAt:   uint64(expiresAt.Unix()),
		Scope:       c.cfg.Scope,
	}

	// auth_request is unsigned; the session key is not yet authorized.
	resp, err := corr.Send(ctx, rpc.Request{
		Method: rpc.MethodAuthRequest,
		Params: params,
		Sig:    []string{},
	}, []rpc.Method{rpc.MethodAuthChallenge}, c.cfg.RequestTimeout)
	if err != nil {
		return domain.Session{}, authErr("auth_request", err)
	}
	var challenge rpc.AuthChallengeResult
	if err := resp.Decode(&challenge); err != nil || challenge.ChallengeMessage == "" {
		return domain.Session{}, authErr("auth_challenge", fmt.Errorf("empty or invalid challenge: %v", err))
	}

	sig, err := c.wallet.SignPolicy(c.cfg.Application, policyFor(params, challenge.ChallengeMessage))
	if err != nil {
		return domain.Session{}, authErr("auth_verify", fmt.Errorf("%w: %v", domain.ErrSigningFailed, err))
	}

	resp, err = corr.Send(ctx, rpc.Request{
		Method: rpc.MethodAuthVerify,
		Params: rpc.AuthVerifyParams{Challenge: challenge.ChallengeMessage},
		Sig:    []string{sig},
	}, []rpc.Method{rpc.MethodAuthVerify}, c.cfg.RequestTimeout)
	if err != nil {
		return domain.Session{}, authErr("auth_verify", err)
	}
	var verify rpc.AuthVerifyResult
	if err := resp.Decode(&verify); err != nil {
		return domain.Session{}, authErr("auth_verify", err)
	}
	if !verify.Success {
		return domain.Session{}, authErr("auth_verify", errors.New("node rejected policy signature"))
	}

	// Every request from here on is signed by the session key.
	corr.SetSigner(key.Sign)

	return domain.Session{
		Identity:    params.Address,
		SessionKey:  params.SessionKey,
		Application: params.Application,
		Scope:       params.Scope,
		Allowances:  cloneAllowances(c.cfg.Allowances),
		ExpiresAt:   expiresAt,
		JWT:         verify.JWTToken,
		StartedAt:   started,
	}, nil
}

// policyFor builds the typed policy from the auth_request params.
func policyFor(p rpc.AuthRequestParams, challenge string) crypto.Policy {
	allowances := make([]crypto.PolicyAllowance, len(p.Allowances))
	for i, a := range p.Allowances {
		allowances[i] = crypto.PolicyAllowance{Asset: a.Asset, Amount: a.Amount}
	}
	return crypto.Policy{
		Challenge:  challenge,
		Scope:      p.Scope,
		Wallet:     p.Address,
		SessionKey: p.SessionKey,
		ExpiresAt:  p.ExpiresAt,
		Allowances: allowances,
	}
}

// authErr keeps transport failures recognizable while marking the session
// as failed authentication.
func authErr(op string, err error) error {
	if errors.Is(err, domain.ErrTransport) {
		return &domain.OpError{Op: op, State: string(domain.StateAuthenticating), Err: err}
	}
	return &domain.OpError{
		Op:    op,
		State: string(domain.StateAuthenticating),
		Err:   fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, err),
	}
}

func allowanceParams(in []domain.Allowance) []rpc.AllowanceParam {
	out := make([]rpc.AllowanceParam, 0, len(in))
	for _, a := range in {
		amt := "0"
		if a.Amount != nil {
			amt = a.Amount.String()
		}
		out = append(out, rpc.AllowanceParam{Asset: a.Asset, Amount: amt})
	}
	return out
}

func cloneAllowances(in []domain.Allowance) []domain.Allowance {
	out := make([]domain.Allowance, len(in))
	for i, a := range in {
		out[i] = a
		if a.Amount != nil {
			out[i].Amount = new(big.Int).Set(a.Amount)
		}
	}
	return out
}
