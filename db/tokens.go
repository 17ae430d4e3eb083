package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chatgate/crypto"
)

// Token providers the service persists.
const (
	ProviderBot         = "twitch_bot"
	ProviderBroadcaster = "twitch_broadcaster"
)

// ErrTokenNotFound is returned by Load for an unknown provider.
var ErrTokenNotFound = errors.New("oauth token not found")

// Token is one stored user token.
type Token struct {
	Access  string
	Refresh string
	Expiry  time.Time
	Scope   string
}

// TokenStore persists tokens in oauth_tokens. With a Sealer the token columns
// are encrypted (encryption_version 1); without one they are plaintext.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// Save inserts or replaces the token for provider.
func (s *TokenStore) Save(ctx context.Context, provider string, tok Token) error {
	access, refresh := tok.Access, tok.Refresh
	version, keyID := 0, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		version, keyID = 1, s.Sealer.KeyID()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		provider, access, refresh, tok.Expiry, strings.TrimSpace(tok.Scope), version, keyID)
	return err
}

// Load reads the token for provider, opening sealed rows.
func (s *TokenStore) Load(ctx context.Context, provider string) (Token, error) {
	var tok Token
	var expiry sql.NullTime
	var version int
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version FROM oauth_tokens WHERE provider=$1`,
		provider).Scan(&tok.Access, &tok.Refresh, &expiry, &tok.Scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, err
	}
	tok.Expiry = expiry.Time
	if version == 0 {
		return tok, nil
	}
	if s.Sealer == nil {
		return Token{}, fmt.Errorf("token %s is encrypted but no encryption key is configured", provider)
	}
	if tok.Access, err = s.Sealer.Open(tok.Access); err != nil {
		return Token{}, fmt.Errorf("open access token: %w", err)
	}
	if tok.Refresh, err = s.Sealer.Open(tok.Refresh); err != nil {
		return Token{}, fmt.Errorf("open refresh token: %w", err)
	}
	return tok, nil
}

// SealPlaintext encrypts every plaintext (encryption_version 0) row with the
// store's Sealer. With dryRun it only counts them. Each row is updated in its
// own transaction; a row changed concurrently is reported as an error.
func (s *TokenStore) SealPlaintext(ctx context.Context, dryRun bool) (int, error) {
	if s.Sealer == nil {
		return 0, errors.New("sealing tokens requires an encryption key")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	type plain struct{ provider, access, refresh string }
	var pending []plain
	for rows.Next() {
		var p plain
		if err := rows.Scan(&p.provider, &p.access, &p.refresh); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if dryRun {
		return len(pending), nil
	}

	sealed := 0
	var errs []error
	for _, p := range pending {
		if err := s.sealRow(ctx, p.provider, p.access, p.refresh); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.provider, err))
			continue
		}
		sealed++
	}
	return sealed, errors.Join(errs...)
}

func (s *TokenStore) sealRow(ctx context.Context, provider, access, refresh string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	if access, err = s.Sealer.Seal(access); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if refresh, err = s.Sealer.Seal(refresh); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE oauth_tokens
		SET access_token=$1, refresh_token=$2, encryption_version=1, encryption_key_id=$3, updated_at=NOW()
		WHERE provider=$4 AND encryption_version=0`,
		access, refresh, s.Sealer.KeyID(), provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token modified concurrently)", n)
	}
	return tx.Commit()
}

// EncryptionStatus counts stored tokens by encryption_version.
func (s *TokenStore) EncryptionStatus(ctx context.Context) (map[int]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version`)
	if err != nil {
		return nil, fmt.Errorf("query encryption status: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, err
		}
		out[version] = count
	}
	return out, rows.Err()
}
