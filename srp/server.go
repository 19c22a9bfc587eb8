package srp

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/strongroom/vaultcore/audit"
	"github.com/strongroom/vaultcore/config"
	"github.com/strongroom/vaultcore/securemem"
	"github.com/strongroom/vaultcore/storage"
	"github.com/strongroom/vaultcore/vaulterr"
)

// Storage key prefixes
const (
	verifierPrefix = "srp/verifier/"
	sessionPrefix  = "srp/session/"
	attemptsPrefix = "srp/attempts/"
)

// casRetries bounds the optimistic retry loop on the attempt counter
const casRetries = 8

// Engine is the server side of the SRP exchange. All session state lives in
// the transactional KV store; every transition is an atomic read-modify-write
// so two concurrent verifications can never both consume one session.
//
// The engine is fail-closed: a storage error during any authentication step
// denies the attempt rather than letting it through unverified.
type Engine struct {
	kv     storage.KV
	sink   audit.Sink
	cfg    config.SRPConfig
	tokens *TokenIssuer
	logger zerolog.Logger
	now    func() time.Time
}

// Challenge is the LoginInit response sent to the client
type Challenge struct {
	Salt         []byte
	ServerPublic []byte
}

// LoginResult is the successful LoginVerify response
type LoginResult struct {
	ServerEvidence []byte
	SessionToken   string
}

// NewEngine creates an SRP engine. tokenKey signs issued session tokens and
// must be 32 bytes, typically derived from a server secret with the
// token-key purpose label.
func NewEngine(kv storage.KV, sink audit.Sink, cfg config.SRPConfig, tokenKey []byte, logger zerolog.Logger) (*Engine, error) {
	tokens, err := NewTokenIssuer(tokenKey, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		kv:     kv,
		sink:   sink,
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With().Str("component", "srp").Logger(),
		now:    time.Now,
	}, nil
}

// Register stores the {verifier, salt} pair for a new account.
// Re-registration of an existing account fails with already-exists.
func (e *Engine) Register(ctx context.Context, accountID string, verifier, salt []byte) error {
	if accountID == "" {
		return vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"account id must not be empty")
	}
	if len(verifier) == 0 {
		return vaulterr.New(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"verifier must not be empty")
	}
	if len(salt) != VerifierSaltLen {
		return vaulterr.Newf(vaulterr.KindValidation, vaulterr.CodeBadParameters,
			"salt must be %d bytes, got %d", VerifierSaltLen, len(salt))
	}

	record, err := encodeRecord(verifierRecord{
		Salt:      salt,
		Verifier:  verifier,
		CreatedAt: e.now().Unix(),
	})
	if err != nil {
		return err
	}

	if _, err := e.kv.Create(ctx, verifierPrefix+accountID, record); err != nil {
		if vaulterr.CodeOf(err) == vaulterr.CodeAlreadyExists {
			e.emit(audit.CodeRegister, audit.OutcomeDenied, accountID, "reason", "already-exists")
			return vaulterr.New(vaulterr.KindValidation, vaulterr.CodeAlreadyExists,
				"account already registered")
		}
		return err
	}

	e.logger.Info().Str("account_id", accountID).Msg("Account registered")
	e.emit(audit.CodeRegister, audit.OutcomeOK, accountID)
	return nil
}

// LoginInit looks up the account, generates the server ephemeral pair, and
// issues the challenge. The session record is persisted with a bounded TTL;
// the state machine moves to CHALLENGE_ISSUED.
func (e *Engine) LoginInit(ctx context.Context, accountID string) (*Challenge, error) {
	data, _, err := e.kv.Get(ctx, verifierPrefix+accountID)
	if err != nil {
		if vaulterr.IsKind(err, vaulterr.KindNotFound) {
			e.emit(audit.CodeLoginInit, audit.OutcomeDenied, accountID, "reason", "not-found")
			return nil, vaulterr.New(vaulterr.KindNotFound, vaulterr.CodeNotFound,
				"unknown account")
		}
		return nil, err
	}

	var reg verifierRecord
	if err := decodeRecord(data, &reg); err != nil {
		return nil, err
	}

	b, err := randomEphemeral()
	if err != nil {
		return nil, err
	}

	// B = (k*v + g^b) mod N
	v := new(big.Int).SetBytes(reg.Verifier)
	B := new(big.Int).Exp(groupG, b, groupN)
	B.Add(B, new(big.Int).Mul(multiplierK, v))
	B.Mod(B, groupN)

	now := e.now()
	session := Session{
		AccountID:     accountID,
		Salt:          reg.Salt,
		Verifier:      reg.Verifier,
		ServerPublic:  B.Bytes(),
		ServerPrivate: b.Bytes(),
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(e.cfg.SessionTTL).Unix(),
		State:         StateChallengeIssued,
	}
	record, err := encodeRecord(session)
	if err != nil {
		return nil, err
	}

	// Put, not Create: a fresh init replaces any stale unconsumed challenge.
	if _, err := e.kv.Put(ctx, sessionPrefix+accountID, record); err != nil {
		return nil, err
	}

	b.SetInt64(0)

	e.logger.Debug().Str("account_id", accountID).Time("expires_at", now.Add(e.cfg.SessionTTL)).
		Msg("Login challenge issued")
	e.emit(audit.CodeLoginInit, audit.OutcomeOK, accountID)

	return &Challenge{Salt: reg.Salt, ServerPublic: session.ServerPublic}, nil
}

// LoginVerify consumes the pending session and checks the client's evidence.
// Order of enforcement: lockout, session existence, single-use consumption,
// expiry, and only then the proof itself. A correct proof during lockout or
// after expiry still fails.
func (e *Engine) LoginVerify(ctx context.Context, accountID string, clientPublic, clientEvidence []byte) (*LoginResult, error) {
	if err := e.checkLockout(ctx, accountID); err != nil {
		return nil, err
	}

	sessionKey := sessionPrefix + accountID
	data, rev, err := e.kv.Get(ctx, sessionKey)
	if err != nil {
		if vaulterr.IsKind(err, vaulterr.KindNotFound) {
			return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeNotFound,
				"no pending login session")
		}
		return nil, err
	}

	var session Session
	if err := decodeRecord(data, &session); err != nil {
		return nil, err
	}

	// Consume the session before examining the proof: exactly one
	// verification attempt, success or failure, per challenge.
	if err := e.kv.DeleteRev(ctx, sessionKey, rev); err != nil {
		if vaulterr.CodeOf(err) == vaulterr.CodeCASConflict {
			return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeSessionConsumed,
				"login session already consumed")
		}
		return nil, err
	}

	now := e.now()
	if now.Unix() >= session.ExpiresAt {
		e.emit(audit.CodeLoginExpired, audit.OutcomeDenied, accountID)
		return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeDeadlineExceeded,
			"login session expired")
	}

	A := new(big.Int).SetBytes(clientPublic)
	if err := checkPublicEphemeral(A); err != nil {
		e.recordFailure(ctx, accountID)
		return nil, err
	}

	B := new(big.Int).SetBytes(session.ServerPublic)
	b := new(big.Int).SetBytes(session.ServerPrivate)
	v := new(big.Int).SetBytes(session.Verifier)

	u := hashToInt(pad(A), pad(B))

	// S = (A * v^u)^b mod N
	S := new(big.Int).Exp(v, u, groupN)
	S.Mul(S, A)
	S.Mod(S, groupN)
	S.Exp(S, b, groupN)
	b.SetInt64(0)

	serverKey := hashBytes(pad(S))
	S.SetInt64(0)

	expected := evidenceM1(accountID, session.Salt, A, B, serverKey)
	if !securemem.Equal(expected, clientEvidence) {
		e.recordFailure(ctx, accountID)
		e.emit(audit.CodeLoginFailed, audit.OutcomeDenied, accountID)
		return nil, vaulterr.New(vaulterr.KindAuthentication, vaulterr.CodeProofMismatch,
			"client evidence mismatch")
	}

	// Proof accepted: clear the failure window and issue the token
	if err := e.kv.Delete(ctx, attemptsPrefix+accountID); err != nil {
		e.logger.Warn().Err(err).Str("account_id", accountID).Msg("Failed to reset attempt counter")
	}

	token, err := e.tokens.Issue(accountID, e.now())
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("account_id", accountID).Msg("Login verified")
	e.emit(audit.CodeLoginVerified, audit.OutcomeOK, accountID)

	return &LoginResult{
		ServerEvidence: evidenceM2(A, expected, serverKey),
		SessionToken:   token,
	}, nil
}

// checkLockout denies the attempt while the account is inside a lockout.
// Storage errors also deny: authentication is fail-closed.
func (e *Engine) checkLockout(ctx context.Context, accountID string) error {
	data, _, err := e.kv.Get(ctx, attemptsPrefix+accountID)
	if err != nil {
		if vaulterr.IsKind(err, vaulterr.KindNotFound) {
			return nil
		}
		return vaulterr.Wrap(vaulterr.KindRateLimit, vaulterr.CodeResourceExhausted, err)
	}

	var attempts attemptRecord
	if err := decodeRecord(data, &attempts); err != nil {
		return vaulterr.Wrap(vaulterr.KindRateLimit, vaulterr.CodeResourceExhausted, err)
	}

	if attempts.LockedUntil > e.now().Unix() {
		return vaulterr.New(vaulterr.KindRateLimit, vaulterr.CodeResourceExhausted,
			"account temporarily locked")
	}
	return nil
}

// recordFailure adds a failed attempt to the sliding window via CAS and
// engages the lockout once the threshold is reached.
func (e *Engine) recordFailure(ctx context.Context, accountID string) {
	key := attemptsPrefix + accountID
	now := e.now()
	cutoff := now.Add(-e.cfg.LockoutWindow).Unix()

	for attempt := 0; attempt < casRetries; attempt++ {
		var attempts attemptRecord
		data, rev, err := e.kv.Get(ctx, key)
		exists := true
		switch {
		case vaulterr.IsKind(err, vaulterr.KindNotFound):
			exists = false
		case err != nil:
			e.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to load attempt counter")
			return
		default:
			if err := decodeRecord(data, &attempts); err != nil {
				e.logger.Error().Err(err).Str("account_id", accountID).Msg("Corrupt attempt counter")
				return
			}
		}

		// Prune outside the sliding window, then append this failure
		kept := attempts.Failures[:0]
		for _, ts := range attempts.Failures {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}
		attempts.Failures = append(kept, now.Unix())

		if len(attempts.Failures) >= e.cfg.LockoutThreshold {
			attempts.LockedUntil = now.Add(e.cfg.LockoutDuration).Unix()
		}

		record, err := encodeRecord(attempts)
		if err != nil {
			e.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to encode attempt counter")
			return
		}

		if exists {
			_, err = e.kv.CompareAndSwap(ctx, key, rev, record)
		} else {
			_, err = e.kv.Create(ctx, key, record)
		}
		if err == nil {
			if attempts.LockedUntil > 0 {
				e.logger.Warn().Str("account_id", accountID).
					Int("failures", len(attempts.Failures)).
					Msg("Account locked out")
				e.emit(audit.CodeLockout, audit.OutcomeDenied, accountID)
			}
			return
		}
		if vaulterr.CodeOf(err) != vaulterr.CodeCASConflict && vaulterr.CodeOf(err) != vaulterr.CodeAlreadyExists {
			e.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to store attempt counter")
			return
		}
		// Lost the race; reload and retry
	}

	e.logger.Error().Str("account_id", accountID).Msg("Attempt counter CAS retries exhausted")
}

func (e *Engine) emit(code, outcome, accountID string, meta ...string) {
	event := audit.Event{
		Time:      e.now(),
		Code:      code,
		Outcome:   outcome,
		AccountID: accountID,
	}
	if len(meta) > 1 {
		event.Meta = make(map[string]string, len(meta)/2)
		for i := 0; i+1 < len(meta); i += 2 {
			event.Meta[meta[i]] = meta[i+1]
		}
	}
	e.sink.Emit(event)
}
