package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/dashboard"
	"github.com/erauner12/tenantmirror/internal/invalidation"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/erauner12/tenantmirror/internal/mirror"
	"github.com/erauner12/tenantmirror/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func watchCmd(g *globals) *cobra.Command {
	var metricsAddr string
	var withStats bool

	cmd := &cobra.Command{
		Use:   "watch [collection...]",
		Short: "Mount collections and log every change until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = dashboard.StatsCollections
			}
			ctx, stop := signalContext()
			defer stop()

			m, err := metrics.New(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer srv.Close()
			}

			l, err := g.layer(ctx, m)
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.Mount(ctx, args...); err != nil {
				return err
			}
			for _, name := range args {
				h, _ := l.Handle(name)
				logChanges(name, h)
			}

			if withStats {
				obs, err := l.Stats(ctx, nil)
				if err != nil {
					return err
				}
				obs.OnUpdate(func(s *stats.Snapshot) { g.printStats(s) })
				g.printStats(obs.Snapshot())
			}

			<-ctx.Done()
			log.Info().Msg("stopping watch")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9102)")
	cmd.Flags().BoolVar(&withStats, "stats", false, "Print statistics whenever they change")
	return cmd
}

func logChanges(name string, h *mirror.Handle) {
	h.OnChange(func(ev mirror.Event) {
		e := log.Info().Str("collection", name).Str("cause", string(ev.Cause))
		switch ev.Cause {
		case mirror.CauseStatus:
			e = e.Str("status", string(ev.Status))
		case mirror.CauseError:
			e = e.Err(ev.Err)
		default:
			e = e.Uint64("version", ev.Version).Int("rows", len(h.Snapshot()))
		}
		e.Msg("mirror changed")
	})
}

func statsCmd(g *globals) *cobra.Command {
	var tenant string
	var admin bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print dashboard statistics for the current principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			l, err := g.layer(ctx, nil)
			if err != nil {
				return err
			}
			defer l.Close()

			var override *stats.Scope
			if tenant != "" || admin {
				scope := l.Scope(ctx)
				if tenant != "" {
					scope.PrincipalID = tenant
				}
				scope.Admin = scope.Admin || admin
				override = &scope
			}
			obs, err := l.Stats(ctx, override)
			if err != nil {
				return err
			}
			obs.Flush()
			g.printStats(obs.Snapshot())
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Compute for this tenant instead of the principal's")
	cmd.Flags().BoolVar(&admin, "admin", false, "Compute over every visible row")
	return cmd
}

func (g *globals) printStats(s *stats.Snapshot) {
	if g.out == "json" {
		g.printJSON(map[string]any{
			"computedAt":      s.ComputedAt.Format(time.RFC3339),
			"tenant":          s.Scope.PrincipalID,
			"admin":           s.Scope.Admin,
			"customers":       s.Customers,
			"active":          s.ActiveCustomers,
			"suspended":       s.SuspendedCustomers,
			"paid":            s.PaidCustomers,
			"unpaid":          s.UnpaidCustomers,
			"expiring":        s.ExpiringCustomers,
			"expired":         s.ExpiredCustomers,
			"unassigned":      s.Unassigned,
			"revenue":         s.Revenue.String(),
			"pendingRevenue":  s.PendingRevenue.String(),
			"resellers":       s.Resellers,
			"invoices":        s.Invoices,
			"paidInvoices":    s.PaidInvoices,
			"pendingInvoices": s.PendingInvoices,
			"invoiced":        s.InvoicedAmount.String(),
			"outstanding":     s.Outstanding.String(),
		})
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "customers\t%d (active %d, suspended %d)\n", s.Customers, s.ActiveCustomers, s.SuspendedCustomers)
	fmt.Fprintf(w, "paid / unpaid\t%d / %d\n", s.PaidCustomers, s.UnpaidCustomers)
	fmt.Fprintf(w, "expiring / expired\t%d / %d\n", s.ExpiringCustomers, s.ExpiredCustomers)
	if s.Unassigned > 0 {
		fmt.Fprintf(w, "unassigned\t%d\n", s.Unassigned)
	}
	fmt.Fprintf(w, "revenue\t%s (pending %s)\n", s.Revenue, s.PendingRevenue)
	fmt.Fprintf(w, "resellers\t%d\n", s.Resellers)
	fmt.Fprintf(w, "invoices\t%d (paid %d, pending %d)\n", s.Invoices, s.PaidInvoices, s.PendingInvoices)
	fmt.Fprintf(w, "invoiced / outstanding\t%s / %s\n", s.InvoicedAmount, s.Outstanding)
	_ = w.Flush()
}

func (g *globals) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func parseRow(raw string) (collection.Row, error) {
	var row collection.Row
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return row, nil
}

// mutate runs op against a layer with the collection mounted, so the
// reconciled row can be printed
func (g *globals) mutate(name string, op func(ctx context.Context, l *dashboard.Layer) (bool, error)) error {
	ctx, stop := signalContext()
	defer stop()

	l, err := g.layer(ctx, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Mount(ctx, name); err != nil {
		return err
	}
	ok, err := op(ctx, l)
	if !ok {
		return err
	}
	h, _ := l.Handle(name)
	if g.out == "json" {
		g.printJSON(map[string]any{"ok": true, "rows": len(h.Snapshot())})
	} else {
		fmt.Println("ok")
	}
	return nil
}

func createCmd(g *globals) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := parseRow(data)
			if err != nil {
				return err
			}
			return g.mutate(args[0], func(ctx context.Context, l *dashboard.Layer) (bool, error) {
				return l.Gateway().Create(ctx, args[0], draft)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "{}", "Row as a JSON object")
	return cmd
}

func updateCmd(g *globals) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Patch a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseRow(data)
			if err != nil {
				return err
			}
			return g.mutate(args[0], func(ctx context.Context, l *dashboard.Layer) (bool, error) {
				return l.Gateway().Update(ctx, args[0], args[1], patch)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "{}", "Fields to change as a JSON object")
	return cmd
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.mutate(args[0], func(ctx context.Context, l *dashboard.Layer) (bool, error) {
				return l.Gateway().Delete(ctx, args[0], args[1])
			})
		},
	}
}

func signalCmd(g *globals) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Tell sibling processes to re-pull their mirrors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !g.cfg.CrossTab.Enabled {
				return errors.New("cross-tab invalidation is disabled in the configuration")
			}
			ctx, stop := signalContext()
			defer stop()

			l, err := g.layer(ctx, nil)
			if err != nil {
				return err
			}
			l.Bus().Emit(invalidation.Event{Source: source, ForceRefresh: true})
			// Close flushes the debounced event through the cross-tab binding
			return l.Close()
		},
	}
	cmd.Flags().StringVar(&source, "source", invalidation.AllSources, "Collection to invalidate")
	return cmd
}
