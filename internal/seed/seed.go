// Package seed loads the member roster from a YAML file.
//
//	members:
//	  - name: Alice Grower
//	    id: 0190f4c2-8a1e-7b3c-9d2e-5f6a7b8c9d0e   # optional
//	    badges: ["04:A2:3F:91"]
//	    fingerprints: ["..."]                      # already hashed badges
//	    disabled: false
//
// Raw badge IDs are fingerprinted on load and never stored.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/canopyworks/custody/internal/identity"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// memberNamespace derives stable IDs for roster entries without one.
var memberNamespace = uuid.MustParse("5b0f3b5e-2f4a-4d8e-9a57-2d1c0c6f1e21")

type Roster struct {
	Members []Entry `yaml:"members"`
}

type Entry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Badges       []string `yaml:"badges"`
	Fingerprints []string `yaml:"fingerprints"`
	Disabled     bool     `yaml:"disabled"`
}

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read members file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Roster, error) {
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse members file: %w", err)
	}

	seen := make(map[uuid.UUID]string)
	for i, e := range roster.Members {
		if e.Name == "" {
			return nil, fmt.Errorf("member %d: name is required", i+1)
		}
		id, err := e.memberID()
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", e.Name, err)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("member %q: id %s already used by %q", e.Name, id, prev)
		}
		seen[id] = e.Name

		if _, err := e.credentials(); err != nil {
			return nil, fmt.Errorf("member %q: %w", e.Name, err)
		}
	}

	return &roster, nil
}

func (e Entry) memberID() (uuid.UUID, error) {
	if e.ID == "" {
		return uuid.NewSHA1(memberNamespace, []byte(e.Name)), nil
	}
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

func (e Entry) credentials() ([]string, error) {
	out := make([]string, 0, len(e.Badges)+len(e.Fingerprints))
	for _, raw := range e.Badges {
		fp, err := identity.Fingerprint(raw)
		if err != nil {
			return nil, fmt.Errorf("badge %q: %w", raw, err)
		}
		out = append(out, fp)
	}
	for _, fp := range e.Fingerprints {
		if fp == "" {
			return nil, fmt.Errorf("empty fingerprint")
		}
		out = append(out, fp)
	}
	return out, nil
}

// Result counts what Apply changed.
type Result struct {
	Created     int
	Credentials int
	Disabled    int
}

// Apply makes members match the roster. It only adds: members, credentials and
// disablements already present are left alone, so applying twice is a no-op.
func Apply(ctx context.Context, members store.MemberStore, roster *Roster) (Result, error) {
	var res Result
	now := time.Now().UTC()

	for _, e := range roster.Members {
		id, err := e.memberID()
		if err != nil {
			return res, err
		}
		creds, err := e.credentials()
		if err != nil {
			return res, err
		}

		existing, err := members.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrMemberNotFound):
			m := &models.Member{ID: id, DisplayName: e.Name, Credentials: creds, CreatedAt: now}
			if err := members.Create(ctx, m); err != nil {
				return res, fmt.Errorf("failed to create member %q: %w", e.Name, err)
			}
			res.Created++
			res.Credentials += len(creds)
			existing = m
		case err != nil:
			return res, fmt.Errorf("failed to load member %q: %w", e.Name, err)
		default:
			for _, fp := range creds {
				if slices.Contains(existing.Credentials, fp) {
					continue
				}
				if err := members.AddCredential(ctx, id, fp); err != nil {
					return res, fmt.Errorf("failed to add credential to %q: %w", e.Name, err)
				}
				res.Credentials++
			}
		}

		if e.Disabled && !existing.IsDisabled() {
			if err := members.Disable(ctx, id); err != nil {
				return res, fmt.Errorf("failed to disable %q: %w", e.Name, err)
			}
			res.Disabled++
		}
	}

	log.Info().
		Int("created", res.Created).
		Int("credentials", res.Credentials).
		Int("disabled", res.Disabled).
		Msg("Member roster applied")

	return res, nil
}
