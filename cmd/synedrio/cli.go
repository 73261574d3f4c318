package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/mtzanidakis/synedrio/internal/deliberation"
	"github.com/mtzanidakis/synedrio/internal/health"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the full deliberation record as JSON")
	verbose := fs.Bool("v", false, "print every phase, not only the final answer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		fmt.Fprintln(os.Stderr, "Usage: synedrio ask [-json] [-v] <question>")
		return deliberation.ErrInvalidInput
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline(nil)
	if err != nil {
		return err
	}

	rec, err := p.RunFrom(context.Background(), "cli", query)
	if err != nil {
		var synthErr *deliberation.SynthesisError
		if errors.As(err, &synthErr) {
			return fmt.Errorf("%w (%s)", err, synthErr.Hint())
		}
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	printRecord(os.Stdout, rec, *verbose)
	return nil
}

func printRecord(w io.Writer, rec *deliberation.Record, verbose bool) {
	if verbose {
		if len(rec.SearchContext) > 0 {
			fmt.Fprintln(w, "== Search context")
			for _, s := range rec.SearchContext {
				fmt.Fprintf(w, "- %s\n", s)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "== Initial answers")
		for _, r := range rec.Initial {
			fmt.Fprintf(w, "-- %s\n%s\n\n", r.Agent, r.Display())
		}
		fmt.Fprintln(w, "== Deliberations")
		for _, r := range rec.Deliberations {
			fmt.Fprintf(w, "-- %s\n%s\n\n", r.Agent, r.Display())
		}
		fmt.Fprintln(w, "== Final answer")
	}
	fmt.Fprintln(w, rec.FinalResponse)
}

func runHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print reports as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	reports := a.probe().Check(context.Background(), a.agents)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else if err := printReports(os.Stdout, reports); err != nil {
		return err
	}

	if health.Reachable(reports) == 0 {
		return errors.New("no agents reachable")
	}
	return nil
}

func printReports(out io.Writer, reports []health.Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tMODEL\tPULLED\tENDPOINT")
	for _, r := range reports {
		pulled := "no"
		if r.ModelAvailable {
			pulled = "yes"
		}
		if !r.Reachable {
			pulled = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Agent, r.Status, r.Model, pulled, r.Endpoint)
	}
	return w.Flush()
}

func runModels() error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tMODEL\tSIZE\tMODIFIED")
	for _, ag := range a.agents {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Health.Timeout)
		models, err := a.client.ListModels(ctx, ag)
		cancel()
		if err != nil {
			fmt.Fprintf(w, "%s\t(unreachable: %v)\t\t\n", ag.Name, err)
			continue
		}
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.Name, m.Name, formatSize(m.Size), m.ModifiedAt.Format("2006-01-02"))
		}
	}
	return w.Flush()
}

// runWatch connects to a running gateway's NATS server and prints every
// event as one JSON line.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("nats", "", "NATS URL of the gateway (default nats://127.0.0.1:<nats.port>)")
	topic := fs.String("topic", natsbus.TopicEventsAll, "subject to subscribe to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *url == "" {
		a, err := loadApp()
		if err != nil {
			return err
		}
		*url = fmt.Sprintf("nats://127.0.0.1:%d", a.cfg.NATS.Port)
		a.Close()
	}

	client, err := natsbus.NewClientFromURL(*url)
	if err != nil {
		return fmt.Errorf("connect %s: %w", *url, err)
	}
	defer client.Close()

	sub, err := client.Subscribe(*topic, func(msg *nats.Msg) {
		fmt.Println(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", *topic, err)
	}
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
