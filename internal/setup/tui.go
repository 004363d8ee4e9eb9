package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultOutput is the file the wizard writes.
const DefaultOutput = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collects everything the wizard asks for.
type Answers struct {
	Ledger     string // "rpc" or "simulate"
	RPCURL     string
	AccountID  string
	Adapter    string
	PoolID     string
	InputType  string
	OutputType string
	Decimals   string
	PackageID  string
	VenueID    string
	Interval   string
	WebhookURL string
	DryRun     bool

	// simulated account seed, human units
	SeedBalance    string
	SeedAllocation string
	SeedOrders     string
	SeedEvery      string
	SeedTimeScale  string
}

func defaultAnswers() Answers {
	return Answers{
		Ledger:         "simulate",
		Adapter:        string(domain.AdapterCetus),
		InputType:      "0x2::sui::SUI",
		Decimals:       "9",
		Interval:       "1m",
		SeedBalance:    "100",
		SeedAllocation: "10",
		SeedOrders:     "10",
		SeedEvery:      "1",
		SeedTimeScale:  domain.TimeScaleHours.String(),
	}
}

func clearScreen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("DCAKEEPER CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes output.
func RunTUI(output string) error {
	if output == "" {
		output = DefaultOutput
	}
	a := defaultAnswers()
	var confirm bool

	clearScreen("STEP 1: LEDGER")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Point the keeper at a ledger or try it against a simulated one.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Ledger").
				Options(
					huh.NewOption("Simulation", "simulate"),
					huh.NewOption("JSON-RPC endpoint", "rpc"),
				).
				Value(&a.Ledger),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.Ledger == "rpc" {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("RPC URL").
					Value(&a.RPCURL).
					Validate(required("rpc url")),
				huh.NewConfirm().
					Title("Dry run?").
					Description("Simulate every order without submitting").
					Value(&a.DryRun),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	clearScreen("STEP 2: ACCOUNT")
	adapterOptions := make([]huh.Option[string], 0, len(domain.KnownAdapters))
	for _, adapter := range domain.KnownAdapters {
		adapterOptions = append(adapterOptions, huh.NewOption(string(adapter), string(adapter)))
	}
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("DCA account object id").
				Value(&a.AccountID).
				Validate(validateObjectID),
			huh.NewSelect[string]().
				Title("Venue adapter").
				Options(adapterOptions...).
				Value(&a.Adapter),
			huh.NewInput().
				Title("Pool object id").
				Value(&a.PoolID),
			huh.NewInput().
				Title("Input coin type").
				Value(&a.InputType).
				Validate(required("input coin type")),
			huh.NewInput().
				Title("Output coin type").
				Value(&a.OutputType).
				Validate(required("output coin type")),
			huh.NewInput().
				Title("Input coin decimals").
				Value(&a.Decimals).
				Validate(validateDecimals),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("STEP 3: VENUE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("DCA package id").
				Value(&a.PackageID),
			huh.NewInput().
				Title("Venue config object id").
				Description("Cetus global config or Turbos versioned object").
				Value(&a.VenueID),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.Ledger == "simulate" {
		clearScreen("STEP 4: SIMULATED ACCOUNT")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Starting balance").
					Description("In whole input coins (e.g. 100)").
					Value(&a.SeedBalance).
					Validate(validateAmount),
				huh.NewInput().
					Title("Amount per order").
					Value(&a.SeedAllocation).
					Validate(validateAmount),
				huh.NewInput().
					Title("Number of orders").
					Value(&a.SeedOrders).
					Validate(validatePositiveInt),
				huh.NewInput().
					Title("Order every").
					Value(&a.SeedEvery).
					Validate(validatePositiveInt),
				huh.NewSelect[string]().
					Title("Unit").
					Options(
						huh.NewOption("minutes", domain.TimeScaleMinutes.String()),
						huh.NewOption("hours", domain.TimeScaleHours.String()),
						huh.NewOption("days", domain.TimeScaleDays.String()),
						huh.NewOption("weeks", domain.TimeScaleWeeks.String()),
					).
					Value(&a.SeedTimeScale),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	clearScreen("STEP 5: SCHEDULE AND ALERTS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Check interval").
				Description("Duration string (e.g. 30s, 1m, 5m)").
				Value(&a.Interval).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err == nil && d < time.Second {
						return fmt.Errorf("must be at least 1s")
					}
					return err
				}),
			huh.NewInput().
				Title("Alert webhook URL").
				Description("Optional").
				Value(&a.WebhookURL),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Ledger: %s\nAccount: %s\nAdapter: %s\nInterval: %s\nDry run: %t\n",
		a.Ledger, a.AccountID, a.Adapter, a.Interval, a.DryRun,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(
		fmt.Sprintf("\n✓ Configuration saved to %s\nSet %s and run: dcakeeper run --config %s",
			output, cfg.Ledger.PrivateKeyEnv, output)))
	return nil
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	interval, err := time.ParseDuration(a.Interval)
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	cfg.Schedule.Interval = interval
	cfg.Execution.DryRun = a.DryRun
	cfg.Alerts.WebhookURL = strings.TrimSpace(a.WebhookURL)

	decimals, err := strconv.ParseInt(a.Decimals, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("decimals: %w", err)
	}

	adapter := domain.Adapter(a.Adapter)
	cfg.Venues.PackageID = strings.TrimSpace(a.PackageID)
	switch adapter {
	case domain.AdapterCetus:
		cfg.Venues.CetusGlobalConfigID = strings.TrimSpace(a.VenueID)
	case domain.AdapterTurbos:
		cfg.Venues.TurbosVersionedID = strings.TrimSpace(a.VenueID)
	}

	cfg.Accounts = []domain.AccountConfig{{
		ID:            strings.TrimSpace(a.AccountID),
		InputType:     strings.TrimSpace(a.InputType),
		OutputType:    strings.TrimSpace(a.OutputType),
		Adapter:       adapter,
		PoolID:        strings.TrimSpace(a.PoolID),
		Enabled:       true,
		InputDecimals: int32(decimals),
	}}

	switch a.Ledger {
	case "rpc":
		cfg.Ledger.RPCURL = strings.TrimSpace(a.RPCURL)
	case "simulate":
		cfg.Ledger.Simulate = true
		seed, err := simulatedSeed(a, int32(decimals))
		if err != nil {
			return nil, err
		}
		cfg.Ledger.SimulateAccounts = []config.SimulatedAccount{seed}
	default:
		return nil, fmt.Errorf("unknown ledger %q", a.Ledger)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func simulatedSeed(a Answers, decimals int32) (config.SimulatedAccount, error) {
	balance, err := toUnits(a.SeedBalance, decimals)
	if err != nil {
		return config.SimulatedAccount{}, fmt.Errorf("starting balance: %w", err)
	}
	allocation, err := toUnits(a.SeedAllocation, decimals)
	if err != nil {
		return config.SimulatedAccount{}, fmt.Errorf("amount per order: %w", err)
	}
	orders, err := strconv.ParseUint(a.SeedOrders, 10, 64)
	if err != nil {
		return config.SimulatedAccount{}, fmt.Errorf("number of orders: %w", err)
	}
	every, err := strconv.ParseUint(a.SeedEvery, 10, 64)
	if err != nil {
		return config.SimulatedAccount{}, fmt.Errorf("order every: %w", err)
	}

	return config.SimulatedAccount{
		ID:              strings.TrimSpace(a.AccountID),
		InputBalance:    balance,
		RemainingOrders: orders,
		Every:           every,
		TimeScale:       a.SeedTimeScale,
		Active:          true,
		SplitAllocation: allocation,
	}, nil
}

// toUnits converts a human amount into raw ledger units.
func toUnits(amount string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("must be a valid number")
	}
	raw := d.Shift(decimals)
	if !raw.IsInteger() {
		return 0, fmt.Errorf("more precision than %d decimals", decimals)
	}
	if raw.Sign() <= 0 || !raw.BigInt().IsUint64() {
		return 0, fmt.Errorf("out of range")
	}
	return raw.BigInt().Uint64(), nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		return nil
	}
}

func validateObjectID(s string) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || len(s) < 3 {
		return fmt.Errorf("object id must be 0x-prefixed hex")
	}
	return nil
}

func validateAmount(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateDecimals(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 18 {
		return fmt.Errorf("must be between 0 and 18")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}
