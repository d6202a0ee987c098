package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"beacon/internal/domain"
	"beacon/internal/engine"
)

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{Use: "agents", Short: "Relay agents"}
	var opts engine.DiscoverOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List relay agents with their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.Discover(ctx, opts)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(views))
				for _, v := range views {
					rows = append(rows, table.Row{v.AgentID, v.DisplayName, v.Provider, v.Status, v.Liveness, v.SilenceSeconds, v.HeartbeatCount})
				}
				return printTable(views, table.Row{"Agent", "Name", "Provider", "Status", "Liveness", "Silence(s)", "Beats"}, rows)
			})
		},
	}
	list.Flags().StringVar(&opts.Provider, "provider", "", "provider filter")
	list.Flags().StringVar(&opts.Capability, "capability", "", "capability filter")
	list.Flags().BoolVar(&opts.IncludeDead, "include-dead", true, "include presumed_dead agents")
	agents.AddCommand(list)

	agents.AddCommand(&cobra.Command{
		Use:   "show <agent-id|name>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	})
	return agents
}

func contractRows(items []domain.Contract) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, c := range items {
		rows = append(rows, table.Row{c.ID, c.Type, c.FromAgent, c.ToAgent, fmt.Sprintf("%.2f %s", c.Amount, c.Currency), c.Term, c.State})
	}
	return rows
}

var contractHeader = table.Row{"ID", "Type", "From", "To", "Amount", "Term", "State"}

func contractsCmd() *cobra.Command {
	contracts := &cobra.Command{Use: "contracts", Short: "Contract ledger"}

	var f engine.ContractListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				return printTable(items, contractHeader, contractRows(items))
			})
		},
	}
	list.Flags().StringVar(&f.Agent, "agent", "", "either party (id or name)")
	list.Flags().StringVar(&f.State, "state", "", "state filter")
	list.Flags().StringVar(&f.Type, "type", "", "type filter")
	list.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	contracts.AddCommand(list)

	var opts engine.ContractCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = "cli"
				c, err := e.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printTable(c, contractHeader, contractRows([]domain.Contract{c}))
			})
		},
	}
	create.Flags().StringVar(&opts.From, "from", "", "initiating agent (id or name)")
	create.Flags().StringVar(&opts.To, "to", "", "counterparty (id or name)")
	create.Flags().StringVar(&opts.Type, "type", "", domain.ContractTypeList())
	create.Flags().Float64Var(&opts.Amount, "amount", 0, "amount")
	create.Flags().StringVar(&opts.Term, "term", "", domain.TermList())
	create.Flags().StringVar(&opts.State, "state", "", "offered (default) or listed")
	contracts.AddCommand(create)

	contracts.AddCommand(&cobra.Command{
		Use:   "update <id> <state>",
		Short: "Move a contract to another state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateContractState(ctx, args[0], args[1], "cli")
				if err != nil {
					return err
				}
				return printTable(c, contractHeader, contractRows([]domain.Contract{c}))
			})
		},
	})
	return contracts
}

func bountyRows(items []domain.Bounty) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, b := range items {
		rows = append(rows, table.Row{b.ID, fmt.Sprintf("%s#%d", b.Source, b.ItemNumber), b.Title, b.RewardAmount, b.Difficulty, b.State, b.ClaimantAgent})
	}
	return rows
}

var bountyHeader = table.Row{"ID", "Item", "Title", "Reward", "Difficulty", "State", "Claimant"}

// bountyFile is the YAML accepted by 'bounties sync --file'.
type bountyFile struct {
	Source string              `yaml:"source"`
	Items  []engine.BountyItem `yaml:"items"`
}

func bountiesCmd() *cobra.Command {
	bounties := &cobra.Command{Use: "bounties", Short: "Bounty ledger"}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bounties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBounties(ctx, state)
				if err != nil {
					return err
				}
				return printTable(items, bountyHeader, bountyRows(items))
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "open, claimed or completed")
	bounties.AddCommand(list)

	var file, source string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert bounties from a YAML file",
		Long:  "The file holds 'source' and a list of 'items' with number, title, reward and difficulty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var bf bountyFile
			if err := yaml.Unmarshal(data, &bf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if source != "" {
				bf.Source = source
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncBounties(ctx, bf.Source, bf.Items, "cli")
				if err != nil {
					return err
				}
				if err := printTable(res, bountyHeader, bountyRows(res.Bounties)); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("created %d, updated %d, skipped %d\n", res.Created, res.Updated, res.Skipped)
				}
				return nil
			})
		},
	}
	syncCmd.Flags().StringVarP(&file, "file", "f", "bounties.yml", "YAML file")
	syncCmd.Flags().StringVar(&source, "source", "", "override the file's source")
	bounties.AddCommand(syncCmd)

	for _, op := range []struct {
		verb, short string
		run         func(engine.Engine, context.Context, string, string) (domain.Bounty, error)
	}{
		{"claim", "Claim an open bounty", engine.Engine.ClaimBounty},
		{"complete", "Mark a bounty completed", engine.Engine.CompleteBounty},
	} {
		bounties.AddCommand(&cobra.Command{
			Use:   op.verb + " <bounty-id> <agent-id|name>",
			Short: op.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					b, err := op.run(e, ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return printTable(b, bountyHeader, bountyRows([]domain.Bounty{b}))
				})
			},
		})
	}
	return bounties
}

func reputationRows(items []domain.ReputationRecord) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, r := range items {
		rows = append(rows, table.Row{r.AgentID, r.Score, r.ContractsActive, r.ContractsCompleted, r.ContractsBreached, r.BountiesCompleted, r.TotalRewardEarned})
	}
	return rows
}

var reputationHeader = table.Row{"Agent", "Score", "Active", "Completed", "Breached", "Bounties", "Earned"}

func reputationCmd() *cobra.Command {
	rep := &cobra.Command{Use: "reputation", Short: "Agent reputation"}
	rep.AddCommand(&cobra.Command{
		Use:   "show <agent-id|name>",
		Short: "Recompute one agent's reputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Recompute(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(r, reputationHeader, reputationRows([]domain.ReputationRecord{r}))
			})
		},
	})
	rep.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Recompute every agent, highest score first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RecomputeAll(ctx)
				if err != nil {
					return err
				}
				return printTable(items, reputationHeader, reputationRows(items))
			})
		},
	})
	return rep
}

func nameRows(items []domain.DNSRecord) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, r := range items {
		rows = append(rows, table.Row{r.Name, r.AgentID, r.Owner, r.CreatedAt})
	}
	return rows
}

var nameHeader = table.Row{"Name", "Agent", "Owner", "Created"}

func dnsCmd() *cobra.Command {
	dns := &cobra.Command{Use: "dns", Short: "Name registry"}

	var owner string
	register := &cobra.Command{
		Use:   "register <name> <agent-id>",
		Short: "Bind a name to an agent id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RegisterName(ctx, args[0], args[1], owner)
				if err != nil {
					return err
				}
				return printTable(rec, nameHeader, nameRows([]domain.DNSRecord{rec}))
			})
		},
	}
	register.Flags().StringVar(&owner, "owner", "", "owner label")
	dns.AddCommand(register)

	dns.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a name to its agent id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.LookupName(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(rec, rec.AgentID)
			})
		},
	})
	dns.AddCommand(&cobra.Command{
		Use:   "reverse <agent-id>",
		Short: "List names bound to an agent id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReverseResolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(items, nameHeader, nameRows(items))
			})
		},
	})
	dns.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNames(ctx)
				if err != nil {
					return err
				}
				return printTable(items, nameHeader, nameRows(items))
			})
		},
	})
	return dns
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every registration, contract change, bounty update and name binding, oldest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				cursor := latest - int64(n)
				if cursor < 0 {
					cursor = 0
				}
				for {
					items, err := e.ListEvents(ctx, evtType, cursor, 500)
					if err != nil {
						return err
					}
					for _, evt := range items {
						if viper.GetBool("json") {
							if err := printJSON(evt); err != nil {
								return err
							}
						} else {
							fmt.Printf("%d %s %-24s %s %s %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.Payload)
						}
						cursor = evt.ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of recent events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}
