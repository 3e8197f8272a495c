// Package ident handles the daemon's identity/discovery file shapes
// (identity.json, daemon.runtime.json). It does not implement auth policy —
// wiring a bearer-token check into net/http middleware is left to the
// embedder; this package only owns reading/writing/generating the files
// that let a CLI discover and address a running daemon.
package ident

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Identity is the persisted identity.json shape: a stable runner id and
// bearer token, generated once and reused across restarts.
type Identity struct {
	RunnerID  string    `json:"runnerId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// Runtime is the persisted daemon.runtime.json shape, rewritten on every
// startup so a CLI can discover the currently-listening daemon for a given
// state directory.
type Runtime struct {
	BaseURL      string    `json:"baseUrl"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	StartedAtUTC time.Time `json:"startedAtUtc"`
	StateDir     string    `json:"stateDir"`
	Version      string    `json:"version"`
}

// LoadOrCreateIdentity reads identity.json from stateDir, generating and
// persisting a new runner id/token if the file is absent.
func LoadOrCreateIdentity(stateDir string) (Identity, error) {
	path := filepath.Join(stateDir, "identity.json")
	data, err := os.ReadFile(path) //nolint:gosec // fixed path under an operator-controlled state dir
	if err == nil {
		var id Identity
		if jerr := json.Unmarshal(data, &id); jerr == nil && id.RunnerID != "" && id.Token != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, err
	}

	id := Identity{
		RunnerID:  randomHex(16),
		Token:     randomHex(32),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSONAtomic(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// WriteRuntime (re)writes daemon.runtime.json, overwriting any prior
// runtime record from an earlier process instance.
func WriteRuntime(stateDir string, rt Runtime) error {
	return writeJSONAtomic(filepath.Join(stateDir, "daemon.runtime.json"), rt)
}

// CheckToken performs a constant-time comparison of the presented bearer
// token against the expected one. This is the "single documented
// placeholder" the auth middleware would call — the middleware itself (and
// whether to require a header at all) is the embedder's responsibility.
func CheckToken(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return hex.EncodeToString(b)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp-" + randomHex(4)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
