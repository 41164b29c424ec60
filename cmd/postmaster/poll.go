package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-postmaster/internal/models"
	"github.com/gotrs-io/gotrs-postmaster/internal/services/scheduler"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a single mail cycle and exit",
	Long: `Poll fetches every due queue once. --force ignores poll intervals and
--queue restricts the run to the named queue slugs.`,
	RunE: runPoll,
}

var (
	pollForceFlag  bool
	pollQueuesFlag []string
)

func init() {
	pollCmd.Flags().BoolVar(&pollForceFlag, "force", false, "Poll every queue regardless of its interval")
	pollCmd.Flags().StringSliceVar(&pollQueuesFlag, "queue", nil, "Queue slug to poll (repeatable)")

	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	loader, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loader.Config(), log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	queues, err := a.currentQueues(ctx)
	if err != nil {
		return err
	}
	if len(pollQueuesFlag) > 0 {
		queues, err = selectQueues(queues, pollQueuesFlag)
		if err != nil {
			return err
		}
		a.scheduler.SetQueueSource(scheduler.StaticQueues(queues))
	}

	runErr := a.scheduler.RunOnce(ctx, pollForceFlag)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tSTATUS\tSEEN\tCREATED\tUPDATED\tSKIPPED\tERRORS\tERROR")
	for _, q := range queues {
		st, ok, err := a.status.GetStatus(ctx, q.Slug)
		if err != nil || !ok {
			fmt.Fprintf(w, "%s\tnot polled\t\t\t\t\t\t\n", q.Slug)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n", st.QueueSlug, st.LastStatus,
			st.MessagesSeen, st.TicketsCreated, st.TicketsUpdated, st.MessagesSkipped, st.Errors, st.LastError)
	}
	_ = w.Flush()
	return runErr
}

// selectQueues keeps the queues named by slug, matched case-insensitively.
func selectQueues(queues []models.Queue, slugs []string) ([]models.Queue, error) {
	bySlug := make(map[string]models.Queue, len(queues))
	for _, q := range queues {
		bySlug[strings.ToLower(q.Slug)] = q
	}
	out := make([]models.Queue, 0, len(slugs))
	for _, slug := range slugs {
		q, ok := bySlug[strings.ToLower(strings.TrimSpace(slug))]
		if !ok {
			return nil, fmt.Errorf("unknown or disabled queue %q", slug)
		}
		out = append(out, q)
	}
	return out, nil
}
