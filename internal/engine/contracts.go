package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"beacon/internal/domain"
	"beacon/internal/events"
	"beacon/internal/repo"
)

type ContractCreateOptions struct {
	From    string
	To      string
	Type    string
	Amount  float64
	Term    string
	State   string
	ActorID string
}

// known reports whether id is a native agent, a relay agent or a name target.
func (e Engine) known(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	for _, n := range e.Config.Ledger.NativeAgents {
		if n.ID == id {
			return true, nil
		}
	}
	return e.Repo.KnownAgent(ctx, tx, id)
}

// resolveParty resolves ref and records a problem when it is missing or unknown.
func (e Engine) resolveParty(ctx context.Context, tx *sql.Tx, field, ref string, p *problems) (string, error) {
	if strings.TrimSpace(ref) == "" {
		p.add("%s is required", field)
		return "", nil
	}
	id, _, err := e.resolve(ctx, tx, ref)
	if err != nil {
		return "", err
	}
	ok, err := e.known(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		p.add("%s %q is not a known agent", field, ref)
	}
	return id, nil
}

// CreateContract validates and stores a new contract. Every broken rule is reported.
func (e Engine) CreateContract(ctx context.Context, opts ContractCreateOptions) (domain.Contract, error) {
	var p problems
	from, err := e.resolveParty(ctx, nil, "from_agent", opts.From, &p)
	if err != nil {
		return domain.Contract{}, err
	}
	to, err := e.resolveParty(ctx, nil, "to_agent", opts.To, &p)
	if err != nil {
		return domain.Contract{}, err
	}
	if from != "" && from == to {
		p.add("from_agent and to_agent must differ")
	}
	ctype := domain.ContractType(strings.ToLower(strings.TrimSpace(opts.Type)))
	if !ctype.Valid() {
		p.add("type %q must be one of %s", opts.Type, domain.ContractTypeList())
	}
	if math.IsNaN(opts.Amount) || math.IsInf(opts.Amount, 0) || opts.Amount <= 0 {
		p.add("amount must be greater than 0")
	}
	term := domain.Term(strings.ToLower(strings.TrimSpace(opts.Term)))
	if !term.Valid() {
		p.add("term %q must be one of %s", opts.Term, domain.TermList())
	}
	state := domain.StateOffered
	if s := strings.TrimSpace(opts.State); s != "" {
		state = domain.ContractState(strings.ToLower(s))
		if !state.Initial() {
			p.add("state %q must be offered or listed at creation", opts.State)
		}
	}
	if err := p.err(); err != nil {
		return domain.Contract{}, err
	}
	now := domain.FormatTime(e.now())
	c := domain.Contract{
		ID:        uuid.NewString(),
		Type:      ctype,
		FromAgent: from,
		ToAgent:   to,
		Amount:    opts.Amount,
		Currency:  e.Config.Ledger.Currency,
		State:     state,
		Term:      term,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	if err := e.insertContract(ctx, tx, c, actorOr(opts.ActorID, from)); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) insertContract(ctx context.Context, tx *sql.Tx, c domain.Contract, actor string) error {
	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return e.events().Append(ctx, tx, events.ContractCreated, "contract", c.ID, actor, events.EventPayload{
		"from_agent": c.FromAgent,
		"to_agent":   c.ToAgent,
		"type":       c.Type,
		"amount":     c.Amount,
		"state":      c.State,
	})
}

// UpdateContractState moves a contract to any enumerated state. Only the
// target value is checked; reputation scoring interprets what it means.
func (e Engine) UpdateContractState(ctx context.Context, id, newState, actorID string) (domain.Contract, error) {
	state, err := domain.ParseContractState(newState)
	if err != nil {
		return domain.Contract{}, invalid("%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.transition(ctx, tx, id, state, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) transition(ctx context.Context, tx *sql.Tx, id string, state domain.ContractState, actorID string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, tx, id)
	if isNotFound(err) {
		return domain.Contract{}, notFound("contract", id)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	from := c.State
	c.State = state
	c.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateContractState(ctx, tx, id, state, c.UpdatedAt); err != nil {
		return domain.Contract{}, err
	}
	if err := e.events().Append(ctx, tx, events.ContractTransitioned, "contract", id, actorOr(actorID, "system"), events.EventPayload{
		"from":       from,
		"to":         state,
		"from_agent": c.FromAgent,
		"to_agent":   c.ToAgent,
	}); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, nil, id)
	if isNotFound(err) {
		return c, notFound("contract", id)
	}
	return c, err
}

type ContractListOptions struct {
	Agent string
	State string
	Type  string
	Limit int
}

func (e Engine) ListContracts(ctx context.Context, opts ContractListOptions) ([]domain.Contract, error) {
	var f repo.ContractFilters
	var p problems
	if s := strings.TrimSpace(opts.State); s != "" {
		f.State = domain.ContractState(strings.ToLower(s))
		if !f.State.Valid() {
			p.add("state %q must be one of %s", s, domain.ContractStateList())
		}
	}
	if t := strings.TrimSpace(opts.Type); t != "" {
		f.Type = domain.ContractType(strings.ToLower(t))
		if !f.Type.Valid() {
			p.add("type %q must be one of %s", t, domain.ContractTypeList())
		}
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if opts.Agent != "" {
		id, _, err := e.Resolve(ctx, opts.Agent)
		if err != nil {
			return nil, err
		}
		f.Agent = id
	}
	f.Limit = opts.Limit
	res, err := e.Repo.ListContracts(ctx, nil, f)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Contract{}
	}
	return res, nil
}

func actorOr(actor, fallback string) string {
	if strings.TrimSpace(actor) != "" {
		return strings.TrimSpace(actor)
	}
	return fallback
}
