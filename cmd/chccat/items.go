package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pbaille/chccat/internal/domain"
)

func excludeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "exclude [item-id]",
		Short: "Withdraw an item from future administrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ex, err := a.store.Exclude(args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("Excluded %s (%s)\n", ex.ItemID, ex.Reason)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the item is excluded, e.g. MH_language:en_vs_fr")
	return cmd
}

func includeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "include [item-id]",
		Short: "Reverse an exclusion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.store.Include(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s was not excluded\n", args[0])
				return nil
			}
			fmt.Printf("Included %s\n", args[0])
			return nil
		},
	}
}

func exclusionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclusions",
		Short: "List excluded items",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.store.Exclusions()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No excluded items.")
				return nil
			}
			for _, ex := range list {
				fmt.Printf("%-12s  %s  %s\n", ex.ItemID, ex.CreatedAt.Format("2006-01-02"), ex.Reason)
			}
			return nil
		},
	}
}

func exposureCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "exposure",
		Short: "Show the most exposed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ledger, err := a.ledger(cmd.Context())
			if err != nil {
				return err
			}
			snap := ledger.Snapshot()
			if len(snap) == 0 {
				fmt.Println("No exposure recorded yet.")
				return nil
			}

			ids := make([]string, 0, len(snap))
			for id := range snap {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				if snap[ids[i]] != snap[ids[j]] {
					return snap[ids[i]] > snap[ids[j]]
				}
				return ids[i] < ids[j]
			})
			if len(ids) > limit {
				ids = ids[:limit]
			}
			for _, id := range ids {
				flag := ""
				if snap[id] >= a.cfg.Select.MaxExposurePerItem {
					flag = "  over cap"
				}
				fmt.Printf("%-12s  %5d%s\n", id, snap[id], flag)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of items to show")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var (
		limit     int
		completed bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.store.ListSessions(completed, limit, 0)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions yet. Use 'chccat simulate' to create some.")
				return nil
			}
			for _, s := range sessions {
				status := "open"
				if s.Completed {
					status = "done"
				}
				fmt.Printf("%s  %s  %s  %v\n", s.ID[:8], s.CreatedAt.Format("2006-01-02 15:04:05"), status, s.Meta.Groups)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	cmd.Flags().BoolVar(&completed, "completed", false, "only completed sessions")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// Find session by prefix
			sessions, err := a.store.ListSessions(false, 1000, 0)
			if err != nil {
				return err
			}
			var found string
			for _, s := range sessions {
				if strings.HasPrefix(s.ID, args[0]) {
					found = s.ID
					break
				}
			}
			if found == "" {
				return fmt.Errorf("session not found: %s", args[0])
			}

			sess, err := a.store.GetSession(found)
			if err != nil {
				return err
			}

			fmt.Printf("ID:        %s\n", sess.ID)
			fmt.Printf("Created:   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Completed: %v\n", sess.Completed)
			fmt.Printf("Groups:    %v\n\n", sess.Meta.Groups)

			for _, ev := range sess.Events {
				switch ev.Type {
				case domain.EventItemResponse:
					var p domain.ItemResponsePayload
					if err := json.Unmarshal(ev.Payload, &p); err != nil {
						return err
					}
					anchor := ""
					if p.Anchor {
						anchor = " anchor"
					}
					fmt.Printf("%4d  %-4s %-10s x=%.0f  theta=%+.2f se=%.2f%s\n",
						ev.Seq, p.Domain, p.ItemID, p.X, p.ThetaAfter, p.SEAfter, anchor)
				case domain.EventFinalReport:
					var r domain.Report
					if err := json.Unmarshal(ev.Payload, &r); err != nil {
						return err
					}
					fmt.Printf("%4d  %s\n", ev.Seq, ev.Type)
					for _, d := range r.Domains {
						fmt.Printf("      %-4s %5.1f  [%5.1f, %5.1f]  %4.1f%%\n", d.Domain, d.Index, d.CI95.Lo, d.CI95.Hi, d.Percentile)
					}
					fmt.Printf("      FSIQ %5.1f  [%5.1f, %5.1f]\n", r.FullScale.Index, r.FullScale.CI95.Lo, r.FullScale.CI95.Hi)
				default:
					fmt.Printf("%4d  %s\n", ev.Seq, ev.Type)
				}
			}
			return nil
		},
	}
}
