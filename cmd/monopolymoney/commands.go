package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/castaneai/monopolymoney/pkg/frontend"
	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/castaneai/monopolymoney/pkg/joinflow"
	"github.com/castaneai/monopolymoney/pkg/statuscache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errUsage = errors.New("invalid usage")

func (a *app) run(ctx context.Context, out io.Writer, cmd string, args []string) error {
	switch cmd {
	case "list":
		return a.list(ctx, out, args)
	case "new":
		if len(args) < 1 {
			return errUsage
		}
		return a.submit(ctx, out, joinflow.Request{Mode: joinflow.ModeCreate, Name: strings.Join(args, " ")})
	case "join":
		if len(args) < 1 {
			return errUsage
		}
		return a.submit(ctx, out, joinflow.Request{Mode: joinflow.ModeJoin, GameID: args[0], Name: strings.Join(args[1:], " ")})
	case "refresh":
		return a.refresh(ctx, out)
	case "watch":
		if len(args) != 1 {
			return errUsage
		}
		return a.watch(ctx, out, args[0])
	case "forget":
		if len(args) != 1 {
			return errUsage
		}
		if err := a.store.Forget(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "forgot game %s\n", args[0])
		return nil
	case "serve":
		return a.serve(ctx)
	}
	return errUsage
}

func (a *app) list(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	format := fs.String("o", "text", "output format: text, yaml or json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	sessions, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	gamesession.SortByRecent(sessions)
	switch *format {
	case "text":
		return renderSessions(out, sessions)
	case "yaml":
		b, err := gamesession.EncodeYAML(sessions)
		if err != nil {
			return err
		}
		_, err = out.Write(b)
		return err
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	return errors.Errorf("unknown output format: %s", *format)
}

func renderSessions(out io.Writer, sessions []gamesession.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "no games on this device")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GAME\tLAST ACCESS\tPLAYERS\tFREE PARKING")
	for i := range sessions {
		ss := &sessions[i]
		players, freeParking := "-", "-"
		if ss.Status != nil {
			players = formatPlayers(ss.Status.PlayersSelfFirst(ss.PlayerID), ss.PlayerID)
			if ss.Status.FreeParkingBalance != nil {
				freeParking = fmt.Sprintf("%d", *ss.Status.FreeParkingBalance)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ss.GameID, ss.LastAccess.Local().Format(time.RFC822), players, freeParking)
	}
	return tw.Flush()
}

func formatPlayers(players []gamesession.PlayerSummary, self string) string {
	names := make([]string, 0, len(players))
	for _, p := range players {
		name := p.Name
		if p.PlayerID == self {
			name += " (you)"
		}
		if p.Banker {
			name += " [banker]"
		}
		names = append(names, fmt.Sprintf("%s %d", name, p.Balance))
	}
	return strings.Join(names, ", ")
}

func (a *app) submit(ctx context.Context, out io.Writer, req joinflow.Request) error {
	wf := joinflow.New(a.store, a.client, a.logger)
	res, err := wf.Submit(ctx, req)
	if err != nil {
		return err
	}
	if res.Failure != nil {
		return res.Failure
	}
	if !res.Resolved() {
		for _, msg := range []string{res.Fields.GameID, res.Fields.Name} {
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
		}
		return errors.New("request rejected")
	}
	if res.Reused {
		fmt.Fprintln(out, "already in this game")
	}
	fmt.Fprintf(out, "game:   %s\nplayer: %s\n", res.Credentials.GameID, res.Credentials.PlayerID)
	return nil
}

func (a *app) refresh(ctx context.Context, out io.Writer) error {
	report, err := statuscache.NewRefresher(a.store, a.client, a.logger).RefreshAll(ctx)
	if err != nil {
		return err
	}
	for _, id := range report.Refreshed {
		fmt.Fprintf(out, "refreshed %s\n", id)
	}
	for _, id := range report.FailedGameIDs() {
		fmt.Fprintf(out, "failed    %s: %v\n", id, report.Failed[id])
	}
	return nil
}

func (a *app) watch(ctx context.Context, out io.Writer, gameID string) error {
	ss, err := a.store.Find(ctx, gameID)
	if err != nil {
		return err
	}
	w := statuscache.NewWatcher(a.store, a.client, a.logger)
	return w.Watch(ctx, gameID, func(st *gamesession.GameStatus) {
		line := formatPlayers(st.PlayersSelfFirst(ss.PlayerID), ss.PlayerID)
		if st.FreeParkingBalance != nil {
			line += fmt.Sprintf(" | free parking %d", *st.FreeParkingBalance)
		}
		fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.Kitchen), line)
	})
}

func (a *app) serve(ctx context.Context) error {
	s := frontend.NewServer(
		a.store,
		joinflow.New(a.store, a.client, a.logger),
		statuscache.NewRefresher(a.store, a.client, a.logger),
		prometheus.NewRegistry(),
		a.logger,
	)
	hs := &http.Server{Addr: a.conf.ListenAddr, Handler: s.Handler()}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.logger.Info("monopolymoney is listening", zap.String("addr", a.conf.ListenAddr))
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "failed to serve HTTP")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
