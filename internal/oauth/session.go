package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
	"github.com/ees-trading/ees/internal/secrets"
)

// Environment selects which broker host and token pair a session uses.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

var (
	// ErrNotAuthenticated means no valid token pair is loaded.
	ErrNotAuthenticated = fmt.Errorf("not authenticated")

	// ErrClockSkew means local time drifted beyond the signing tolerance.
	// Signing with a skewed clock produces rejected signatures, so the
	// session refuses outright.
	ErrClockSkew = fmt.Errorf("clock skew exceeds tolerance")
)

// TokenPair is the access token half of the OAuth credentials. The
// renewal UI writes it to the secret store; the session watches for it.
type TokenPair struct {
	Token       string    `json:"token"`
	TokenSecret string    `json:"token_secret"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Session maintains a continuously valid broker credential for one
// environment. Signers read credentials via an atomic pointer so
// rotation never blocks a request.
type Session struct {
	env      Environment
	host     string
	signer   *Signer
	consumer Credentials // consumer key/secret only; token fields empty
	location *time.Location

	creds    atomic.Pointer[Credentials]
	issuedAt atomic.Pointer[time.Time]
	lastUsed atomic.Pointer[time.Time]

	skewNanos atomic.Int64
	tolerance time.Duration
	grace     time.Duration

	renewMu      sync.Mutex
	failingSince atomic.Pointer[time.Time]

	client *resty.Client
	bus    events.Publisher
	logger zerolog.Logger
}

// NewSession creates a session for one environment. Consumer credentials
// are fetched from the secret store once; the token pair is loaded and
// then watched for out-of-band rotation.
func NewSession(ctx context.Context, env Environment, cfg config.AuthConfig, store secrets.Store, bus events.Publisher) (*Session, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}

	consumerKey, err := store.Get(ctx, cfg.ConsumerKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumer key: %w", err)
	}
	consumerSecret, err := store.Get(ctx, cfg.ConsumerSecretSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumer secret: %w", err)
	}

	s := &Session{
		env:    env,
		host:   cfg.Host(string(env)),
		signer: NewSigner(),
		consumer: Credentials{
			ConsumerKey:    string(consumerKey),
			ConsumerSecret: string(consumerSecret),
		},
		location:  loc,
		tolerance: time.Duration(cfg.ClockSkewToleranceSec) * time.Second,
		grace:     cfg.GracePeriod(),
		client:    resty.New().SetBaseURL(cfg.Host(string(env))).SetTimeout(cfg.BrokerTimeout()),
		bus:       bus,
		logger:    config.NewLogger("oauth").With().Str("environment", string(env)).Logger(),
	}

	if raw, err := store.Get(ctx, cfg.TokenSecret); err == nil {
		if err := s.installTokens(raw); err != nil {
			s.logger.Warn().Err(err).Msg("Stored token pair is unusable; waiting for rotation")
		}
	} else {
		s.logger.Warn().Err(err).Msg("No token pair in secret store; waiting for rotation")
	}

	return s, nil
}

func (s *Session) installTokens(raw []byte) error {
	var pair TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return fmt.Errorf("failed to decode token pair: %w", err)
	}
	if pair.Token == "" || pair.TokenSecret == "" {
		return fmt.Errorf("token pair is incomplete")
	}

	creds := s.consumer
	creds.Token = pair.Token
	creds.TokenSecret = pair.TokenSecret
	s.creds.Store(&creds)

	issued := pair.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	s.issuedAt.Store(&issued)
	s.failingSince.Store(nil)

	return nil
}

// WatchRotation blocks on the secret store watch stream and swaps
// credentials in place whenever the renewal UI rotates tokens.
func (s *Session) WatchRotation(ctx context.Context, store secrets.Store, name string) error {
	ch, err := store.Watch(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to watch token secret: %w", err)
	}

	first := true
	for raw := range ch {
		if err := s.installTokens(raw); err != nil {
			s.logger.Error().Err(err).Msg("Rotated token pair is unusable")
			continue
		}
		if first {
			// Initial delivery is the value already loaded at startup.
			first = false
			continue
		}
		s.logger.Info().Msg("Tokens rotated out-of-band")
		s.bus.Publish(events.New(events.KindTokenRotated).With("environment", string(s.env)))
	}
	return nil
}

// SignRequest returns the Authorization header for a broker API call.
func (s *Session) SignRequest(method, rawURL string, queryParams, bodyParams url.Values) (string, error) {
	if skew := time.Duration(s.skewNanos.Load()); skew > s.tolerance || skew < -s.tolerance {
		return "", fmt.Errorf("%w: %s", ErrClockSkew, skew)
	}

	creds := s.creds.Load()
	if creds == nil || !s.tokensValid() {
		return "", ErrNotAuthenticated
	}

	header, err := s.signer.Sign(*creds, method, rawURL, queryParams, bodyParams)
	if err != nil {
		return "", err
	}

	now := time.Now()
	s.lastUsed.Store(&now)
	return header, nil
}

// tokensValid reports whether the loaded tokens are still inside their
// calendar day. Tokens expire at midnight exchange time; only the
// three-leg flow can replace them after that.
func (s *Session) tokensValid() bool {
	issued := s.issuedAt.Load()
	if issued == nil {
		return false
	}
	i := issued.In(s.location)
	midnight := time.Date(i.Year(), i.Month(), i.Day(), 0, 0, 0, 0, s.location).AddDate(0, 0, 1)
	return time.Now().In(s.location).Before(midnight)
}

// IsAuthenticated reports whether SignRequest would currently succeed.
func (s *Session) IsAuthenticated() bool {
	return s.creds.Load() != nil && s.tokensValid()
}

// LastUsed returns the time of the most recent signed request.
func (s *Session) LastUsed() time.Time {
	if t := s.lastUsed.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Renew reactivates an idle-expired token via the renew endpoint. No
// user interaction is involved. Concurrent callers coalesce onto one
// renewal.
func (s *Session) Renew(ctx context.Context) error {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()

	creds := s.creds.Load()
	if creds == nil || !s.tokensValid() {
		return ErrNotAuthenticated
	}

	renewURL := s.host + "/oauth/renew_access_token"
	header, err := s.signer.Sign(*creds, "POST", renewURL, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to sign renew request: %w", err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Authorization", header).
		Post("/oauth/renew_access_token")
	if err != nil {
		s.recordRenewFailure(err)
		return fmt.Errorf("token renewal failed: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("token renewal rejected: status %d", resp.StatusCode())
		s.recordRenewFailure(err)
		return err
	}

	s.failingSince.Store(nil)
	now := time.Now()
	s.lastUsed.Store(&now)

	s.logger.Info().Msg("Token renewed")
	s.bus.Publish(events.New(events.KindTokenRenewed).With("environment", string(s.env)))
	return nil
}

func (s *Session) recordRenewFailure(cause error) {
	now := time.Now()
	if s.failingSince.Load() == nil {
		s.failingSince.Store(&now)
	}
	s.logger.Error().Err(cause).Msg("Token renewal failed")
	s.bus.Publish(events.New(events.KindTokenRenewalFailed).
		WithReason(cause.Error()).
		With("environment", string(s.env)))
}

// TradingHalted reports whether renewals have been failing longer than
// the grace period. Reads may continue on stale cache; trade placement
// must stop.
func (s *Session) TradingHalted() bool {
	since := s.failingSince.Load()
	return since != nil && time.Since(*since) > s.grace
}

// ObserveServerTime updates the measured clock skew from a broker
// response timestamp. The broker client feeds this after every call.
func (s *Session) ObserveServerTime(serverTime time.Time) {
	s.SetClockSkew(time.Since(serverTime))
}

// SetClockSkew records the measured offset between local time and the
// reference clock. Crossing the tolerance halts signing and raises a
// fatal error; signing resumes if the clocks converge again.
func (s *Session) SetClockSkew(skew time.Duration) {
	prev := time.Duration(s.skewNanos.Swap(int64(skew)))
	outside := skew > s.tolerance || skew < -s.tolerance
	wasOutside := prev > s.tolerance || prev < -s.tolerance
	if outside && !wasOutside {
		s.logger.Error().
			Dur("skew", skew).
			Dur("tolerance", s.tolerance).
			Msg("Clock skew exceeds tolerance, signing halted")
		s.bus.Publish(events.New(events.KindFatalError).
			WithReason(fmt.Sprintf("clock skew %s exceeds tolerance %s", skew, s.tolerance)).
			With("environment", string(s.env)))
	}
}

// ClockSkew returns the last recorded skew.
func (s *Session) ClockSkew() time.Duration {
	return time.Duration(s.skewNanos.Load())
}

// StartKeepAlive issues a benign signed call every interval so the
// token never idle-expires. Runs until ctx is cancelled.
func (s *Session) StartKeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("Keep-alive started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsAuthenticated() {
				continue
			}
			// Skip when traffic already kept the session warm.
			if last := s.LastUsed(); !last.IsZero() && time.Since(last) < interval/2 {
				continue
			}
			if err := s.Renew(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Keep-alive renew failed")
			}
		}
	}
}

// Environment returns the session's environment.
func (s *Session) Environment() Environment {
	return s.env
}

// Host returns the broker host this session signs for.
func (s *Session) Host() string {
	return s.host
}
