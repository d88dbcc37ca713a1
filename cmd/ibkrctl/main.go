// Command ibkrctl is the operator-facing admin tool for the control
// plane: it flips the durable kill switch, runs the pre-live safety
// gate against this host's durable stores, and seeds a throwaway
// lifecycle Store with sample proposals for exercising the dashboard
// locally, grounded on cmd/nhbctl's flag.NewFlagSet-per-subcommand
// dispatch and original_source/scripts/create_test_proposals.py's seed
// data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/alerting"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/featureflags"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/killswitch"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/lifecycle"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/policy"
	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/safety"
)

const (
	killSwitchCommand  = "kill-switch"
	safetyCheckCommand = "safety-check"
	seedCommand        = "seed"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case killSwitchCommand:
		err = runKillSwitch(os.Args[2:])
	case safetyCheckCommand:
		err = runSafetyCheck(os.Args[2:])
	case seedCommand:
		err = runSeed(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ibkrctl <%s|%s|%s> [flags]\n", killSwitchCommand, safetyCheckCommand, seedCommand)
}

func dataDir() string {
	if d := os.Getenv("TRADECTL_DATA_DIR"); d != "" {
		return d
	}
	return "data"
}

func runKillSwitch(args []string) error {
	fs := flag.NewFlagSet(killSwitchCommand, flag.ExitOnError)
	action := fs.String("action", "status", "one of: status, activate, deactivate")
	reason := fs.String("reason", "", "reason recorded with an activate action")
	operator := fs.String("operator", "", "operator id recorded with an activate action; defaults to $USER")
	fs.Parse(args)

	if *operator == "" {
		*operator = os.Getenv("USER")
	}

	sw, err := killswitch.Open(filepath.Join(dataDir(), "killswitch.bolt"))
	if err != nil {
		return fmt.Errorf("open kill switch: %w", err)
	}
	defer sw.Close()

	switch *action {
	case "status":
		st, err := sw.Get()
		if err != nil {
			return err
		}
		if st.Active {
			fmt.Printf("ACTIVE — reason=%q activated_by=%q activated_at=%s\n", st.Reason, st.ActivatedBy, st.ActivatedAt.Format(time.RFC3339))
		} else {
			fmt.Println("INACTIVE")
		}
		return nil
	case "activate":
		if *reason == "" {
			return fmt.Errorf("kill-switch activate requires -reason")
		}
		if err := confirm("This halts all trading on this control plane. Continue?"); err != nil {
			return err
		}
		if err := sw.Activate(*reason, *operator, time.Now()); err != nil {
			return err
		}
		notifier := alerting.NewNotifier(alerting.Config{WebhookURL: os.Getenv("TRADECTL_ALERTING_WEBHOOK_URL")})
		notifier.AlertKillSwitchActivated(context.Background(), *reason, *operator)
		fmt.Println("kill switch ACTIVATED")
		return nil
	case "deactivate":
		if err := sw.Deactivate(); err != nil {
			return err
		}
		fmt.Println("kill switch DEACTIVATED")
		return nil
	default:
		return fmt.Errorf("unknown -action %q", *action)
	}
}

// confirm prompts on stderr and proceeds only on an exact "yes". When
// stdin isn't a terminal (e.g. scripted invocation) it refuses rather
// than guessing operator intent.
func confirm(prompt string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("refusing to proceed without an interactive terminal; rerun with a tty to confirm %q", prompt)
	}
	fmt.Fprintf(os.Stderr, "%s [type 'yes' to confirm]: ", prompt)
	var response string
	fmt.Scanln(&response)
	if response != "yes" {
		return fmt.Errorf("aborted")
	}
	return nil
}

func runSafetyCheck(args []string) error {
	fs := flag.NewFlagSet(safetyCheckCommand, flag.ExitOnError)
	flagsFile := fs.String("flags-file", os.Getenv("TRADECTL_FEATURE_FLAGS_FILE"), "feature flags config file")
	fs.Parse(args)

	flagStore, err := featureflags.Load(*flagsFile, filepath.Join(dataDir(), "flags.leveldb"))
	if err != nil {
		return fmt.Errorf("load feature flags: %w", err)
	}
	defer flagStore.Close()

	sw, err := killswitch.Open(filepath.Join(dataDir(), "killswitch.bolt"))
	if err != nil {
		return fmt.Errorf("open kill switch: %w", err)
	}
	defer sw.Close()

	checker := safety.NewChecker()
	checker.FeatureFlags = cliFlagsSource{flagStore}
	checker.KillSwitch = sw
	// Coverage, audit backup, alerting, reconciliation, and statistics
	// only exist inside the running ibkr-control-plane process; this
	// standalone run reports them as BLOCKER "module not found" rather
	// than fabricating a healthy answer.

	result := checker.RunAll()
	fmt.Printf("checks passed: %d/%d\n", result.ChecksPassed, result.ChecksTotal)
	for _, c := range result.Checks {
		fmt.Printf("  [%s/%s] %-24s %s\n", c.Status, c.Severity, c.Name, c.Message)
	}
	fmt.Printf("ready for live trading: %t\n", result.ReadyForLive)
	for _, b := range result.BlockingIssues {
		fmt.Printf("  BLOCKER: %s\n", b)
	}
	if !result.ReadyForLive {
		return fmt.Errorf("%d blocking issue(s); run this against the live process for a complete picture", len(result.BlockingIssues))
	}
	return nil
}

type cliFlagsSource struct{ store *featureflags.Store }

func (c cliFlagsSource) Healthy() bool {
	_ = c.store.Current()
	return true
}

type seedStock struct {
	symbol   string
	side     string
	quantity float64
	price    float64
}

var seedStocks = []seedStock{
	{"AAPL", "BUY", 50, 180.00},
	{"MSFT", "BUY", 30, 400.00},
	{"GOOGL", "SELL", 20, 140.00},
	{"TSLA", "BUY", 10, 250.00},
	{"NVDA", "BUY", 15, 500.00},
	{"META", "BUY", 25, 380.00},
	{"AMZN", "SELL", 12, 175.00},
	{"SPY", "BUY", 100, 450.00},
}

// runSeed exercises the Store/ApprovalService state machine against an
// in-memory store the way the dashboard would see it, for local smoke
// testing; it has no durable backing store to seed against since
// ibkr-control-plane keeps proposals in memory for the life of the
// process.
func runSeed(args []string) error {
	fs := flag.NewFlagSet(seedCommand, flag.ExitOnError)
	count := fs.Int("count", 5, "number of sample proposals to create")
	fs.Parse(args)

	n := *count
	if n > len(seedStocks) {
		n = len(seedStocks)
	}

	store := lifecycle.NewStore(100, 5*time.Minute)
	svc := lifecycle.NewApprovalService(store)
	now := time.Now()
	flags := seedFlags{}
	kill := seedKillSwitch{}
	pol := policy.NewEvaluator(policy.Descriptor{})

	var created []string
	for i := 0; i < n; i++ {
		s := seedStocks[i]
		grossNotional := s.quantity * s.price
		intent, err := lifecycle.Intent{Symbol: s.symbol, SecType: "STK", Side: s.side, OrderType: "LMT", Quantity: s.quantity, LimitPx: s.price}.Marshal()
		if err != nil {
			return err
		}
		sim, err := json.Marshal(lifecycle.SimulationResult{GrossNotional: grossNotional})
		if err != nil {
			return err
		}

		p := lifecycle.OrderProposal{
			ProposalID:       "test-" + shortID(),
			CorrelationID:    "corr-" + shortID(),
			IntentJSON:       intent,
			SimulationJSON:   sim,
			RiskDecisionJSON: []byte(`{"decision":"APPROVE","reason":"All risk checks passed"}`),
			State:            lifecycle.StateRiskApproved,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		store.StoreProposal(p)
		created = append(created, p.ProposalID)
		fmt.Printf("created: %s %s %.0f @ $%.2f (id=%s)\n", s.symbol, s.side, s.quantity, s.price, p.ProposalID)
	}

	for i := 0; i < n/2; i++ {
		if _, _, err := svc.RequestApproval(created[i], flags, kill, pol, now); err != nil {
			return err
		}
		fmt.Printf("requested approval: %s\n", created[i])
	}

	if n > 0 {
		_, tok, err := svc.GrantApproval(created[0], "seed data", now)
		if err != nil {
			return err
		}
		fmt.Printf("granted approval: %s (token=%s)\n", created[0], tok.TokenID)
	}

	fmt.Printf("seeded %d proposal(s) into a throwaway store (process-local; not visible to a running server)\n", n)
	return nil
}

func shortID() string {
	id := uuid.NewString()
	return id[:12]
}

// seedFlags/seedKillSwitch stub lifecycle.FeatureFlags/KillSwitch with
// auto-approval disabled and trading allowed, since the seed command
// only needs RequestApproval's manual-approval path to exercise the
// state machine.
type seedFlags struct{}

func (seedFlags) AutoApproval() bool               { return false }
func (seedFlags) AutoApprovalMaxNotional() float64 { return 0 }

type seedKillSwitch struct{}

func (seedKillSwitch) Inactive() bool { return true }
