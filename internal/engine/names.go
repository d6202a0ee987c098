package engine

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"beacon/internal/domain"
	"beacon/internal/events"
	"beacon/internal/identity"
	"beacon/internal/repo"
)

const maxNameLen = 63

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// NormalizeName lowercases and trims a name without validating it.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CheckName returns a problem description, or "" for a usable name.
func CheckName(name string) string {
	switch {
	case name == "":
		return "name is required"
	case len(name) > maxNameLen:
		return "name must be at most 63 characters"
	case !namePattern.MatchString(name):
		return "name may only contain a-z, 0-9, '.', '_' and '-' and must start and end alphanumeric"
	case strings.HasPrefix(name, identity.Prefix):
		return "name must not start with " + identity.Prefix
	}
	return ""
}

var nameSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeName turns a display name into a candidate name: runs of anything
// outside a-z0-9 collapse to a single '-'.
func SanitizeName(display string) string {
	s := nameSeparators.ReplaceAllString(strings.ToLower(display), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxNameLen {
		s = strings.TrimRight(s[:maxNameLen], "-")
	}
	return s
}

// RegisterName binds name to agentID. The first writer wins.
func (e Engine) RegisterName(ctx context.Context, name, agentID, owner string) (domain.DNSRecord, error) {
	name = NormalizeName(name)
	agentID = strings.TrimSpace(agentID)
	var p problems
	if msg := CheckName(name); msg != "" {
		p.add("%s", msg)
	}
	if !identity.LooksCanonical(agentID) {
		p.add("agent_id %q is not a canonical %s identifier", agentID, identity.Prefix)
	}
	if err := p.err(); err != nil {
		return domain.DNSRecord{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DNSRecord{}, err
	}
	defer tx.Rollback()
	rec := domain.DNSRecord{Name: name, AgentID: agentID, Owner: strings.TrimSpace(owner), CreatedAt: domain.FormatTime(e.now())}
	if err := e.Repo.InsertName(ctx, tx, rec); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.DNSRecord{}, ConflictError{Message: "name " + name + " is already registered"}
		}
		return domain.DNSRecord{}, err
	}
	if err := e.events().Append(ctx, tx, events.NameRegistered, "dns", name, agentID, events.EventPayload{"owner": rec.Owner}); err != nil {
		return domain.DNSRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DNSRecord{}, err
	}
	return rec, nil
}

// bindDisplayName is the best-effort name binding done on registration. It
// returns the name now pointing at agentID, or "" when none could be bound.
func (e Engine) bindDisplayName(ctx context.Context, tx *sql.Tx, display, agentID, owner string) string {
	name := SanitizeName(display)
	if CheckName(name) != "" {
		return ""
	}
	rec := domain.DNSRecord{Name: name, AgentID: agentID, Owner: owner, CreatedAt: domain.FormatTime(e.now())}
	err := e.Repo.InsertName(ctx, tx, rec)
	if err == nil {
		if err := e.events().Append(ctx, tx, events.NameRegistered, "dns", name, agentID, events.EventPayload{"owner": owner, "auto": true}); err != nil {
			return ""
		}
		return name
	}
	if existing, gerr := e.Repo.GetName(ctx, tx, name); gerr == nil && existing.AgentID == agentID {
		return name
	}
	return ""
}

// Resolve passes canonical ids through and looks anything else up in the name
// table. An unknown name comes back unchanged with resolved=false.
func (e Engine) Resolve(ctx context.Context, ref string) (string, bool, error) {
	return e.resolve(ctx, nil, ref)
}

func (e Engine) resolve(ctx context.Context, tx *sql.Tx, ref string) (string, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || identity.LooksCanonical(ref) {
		return ref, identity.LooksCanonical(ref), nil
	}
	rec, err := e.Repo.GetName(ctx, tx, NormalizeName(ref))
	if isNotFound(err) {
		return ref, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.AgentID, true, nil
}

func (e Engine) LookupName(ctx context.Context, name string) (domain.DNSRecord, error) {
	rec, err := e.Repo.GetName(ctx, nil, NormalizeName(name))
	if isNotFound(err) {
		return rec, notFound("name", name)
	}
	return rec, err
}

// ReverseResolve returns every name bound to agentID, possibly none.
func (e Engine) ReverseResolve(ctx context.Context, agentID string) ([]domain.DNSRecord, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return []domain.DNSRecord{}, nil
	}
	recs, err := e.Repo.NamesForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.DNSRecord{}
	}
	return recs, nil
}

func (e Engine) ListNames(ctx context.Context) ([]domain.DNSRecord, error) {
	return e.Repo.NamesForAgent(ctx, "")
}
