// Command rewardctl is the operator CLI. It works directly on the database
// file, so it can be used while the server is down.
//
//	rewardctl promote <email>
//	rewardctl withdrawals [pending|approved|declined]
//	rewardctl resolve <withdrawal-id> approved|declined [note]
//	rewardctl sweep
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/config"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
	"github.com/sakif/clickpay/internal/repository/sqlite"
	"github.com/sakif/clickpay/internal/service"
)

// cliConfig is the slice of the server config the CLI needs.
type cliConfig struct {
	DB config.DBConfig `yaml:"db"`
}

const commands = `commands:
	promote <email>
	withdrawals [pending|approved|declined]
	resolve <withdrawal-id> approved|declined [note]
	sweep`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, color.RedString("loading .env: %s", err))
		os.Exit(1)
	}
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %s", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("rewardctl", flag.ContinueOnError)
	flags.SetOutput(out)
	configPath := flags.String("config", "", "optional YAML config file")
	dbPath := flags.String("db", "", "database file (overrides DB_PATH)")
	verbose := flags.Bool("v", false, "log service activity")
	flags.Usage = func() {
		fmt.Fprintln(out, "usage: rewardctl [flags] <command> [args]")
		flags.PrintDefaults()
		fmt.Fprintln(out, commands)
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	var cfg cliConfig
	var err error
	if *configPath != "" {
		err = cleanenv.ReadConfig(*configPath, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c := &cli{
		out:         out,
		admin:       service.NewAdminService(store, auth.NewCodeCache(time.Minute), logger),
		withdrawals: service.NewWithdrawalService(store, logger),
		janitor:     service.NewJanitor(store, auth.NewCodeCache(time.Minute), 0, logger),
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "promote":
		if len(rest) != 1 {
			return errors.New("promote needs exactly one email")
		}
		return c.promote(ctx, rest[0])
	case "withdrawals":
		status := ""
		if len(rest) > 0 {
			status = rest[0]
		}
		return c.listWithdrawals(ctx, model.WithdrawalStatus(status))
	case "resolve":
		if len(rest) < 2 {
			return errors.New("resolve needs a withdrawal id and a decision")
		}
		return c.resolve(ctx, rest[0], model.WithdrawalStatus(rest[1]), strings.Join(rest[2:], " "))
	case "sweep":
		return c.sweep(ctx)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type cli struct {
	out         io.Writer
	admin       *service.AdminService
	withdrawals *service.WithdrawalService
	janitor     *service.Janitor
}

func (c *cli) promote(ctx context.Context, email string) error {
	user, err := c.admin.PromoteByEmail(ctx, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s (%s) is now an admin\n", color.GreenString("✓"), user.Email, user.ID)
	return nil
}

func (c *cli) listWithdrawals(ctx context.Context, status model.WithdrawalStatus) error {
	ws, err := c.withdrawals.ListAll(ctx, status, repository.ListOptions{Limit: 500})
	if err != nil {
		return err
	}
	if len(ws) == 0 {
		fmt.Fprintln(c.out, color.YellowString("no withdrawals"))
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tMETHOD\tAMOUNT\tPAYOUT\tSTATUS\tREQUESTED")
	for _, w := range ws {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			w.ID, w.UserID, w.Method,
			w.Amount.StringFixed(2), w.Payout.StringFixed(2),
			statusColor(w.Status), w.RequestedAt.Format(time.DateTime),
		)
	}
	return tw.Flush()
}

func (c *cli) resolve(ctx context.Context, id string, decision model.WithdrawalStatus, note string) error {
	w, err := c.withdrawals.Resolve(ctx, id, decision, note)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s withdrawal %s %s (payout %s)\n",
		color.GreenString("✓"), w.ID, statusColor(w.Status), w.Payout.StringFixed(2))
	return nil
}

func (c *cli) sweep(ctx context.Context) error {
	res, err := c.janitor.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s removed %d sessions and %d codes\n", color.GreenString("✓"), res.Sessions, res.Codes)
	return nil
}

func statusColor(s model.WithdrawalStatus) string {
	switch s {
	case model.WithdrawalApproved:
		return color.GreenString(string(s))
	case model.WithdrawalDeclined:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
