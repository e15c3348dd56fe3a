package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/chccat/internal/dif"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/itembank"
)

func difCmd() *cobra.Command {
	var (
		dom        string
		groupKey   string
		ref, focal string
		strata     int
		allDomains bool
		listLevels bool
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "dif",
		Short: "Screen items for DIF over completed sessions",
		Long: `Computes the Mantel-Haenszel statistic for every item of a domain,
comparing the reference and focal levels of a grouping variable. Omitted
levels default to the two largest groups, the largest as reference. The
table goes to stdout as CSV; with --all-domains one CSV per domain is
written to --out. Flagged items are only reported. Use 'chccat exclude'
to withdraw one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// stems are only shown for a real bank
			var bank *itembank.Bank
			if bankPath != "" {
				if bank, err = itembank.Open(cmd.Context(), bankPath); err != nil {
					return err
				}
			}
			if groupKey == "" {
				groupKey = a.cfg.DIF.GroupKey
			}
			if strata == 0 {
				strata = a.cfg.DIF.Strata
			}
			screener := dif.New(
				dif.WithMinRespondents(a.cfg.DIF.MinRespondents),
				dif.WithFlagThreshold(a.cfg.DIF.FlagThreshold),
				dif.WithLogger(a.log),
			)
			// resolve fills in omitted levels with the two largest groups
			resolve := func(rows []dif.Row) error {
				r, f, err := dif.ResolveLevels(rows, groupKey, ref, focal)
				if err != nil {
					return fmt.Errorf("%s: %w; pass --ref and --focal", groupKey, err)
				}
				if r != ref || f != focal {
					fmt.Fprintf(os.Stderr, "Comparing %s=%s (reference) with %s (focal)\n", groupKey, r, f)
				}
				ref, focal = r, f
				return nil
			}
			input := func(rows []dif.Row) dif.Input {
				return dif.Input{
					Rows:        rows,
					Strata:      strata,
					RefFilter:   dif.GroupIs(groupKey, ref),
					FocalFilter: dif.GroupIs(groupKey, focal),
				}
			}

			if !allDomains {
				d := domain.Domain(dom)
				if !d.Valid() {
					return fmt.Errorf("unknown domain %q", dom)
				}
				rows, err := a.store.ResponseRows(d)
				if err != nil {
					return err
				}
				if listLevels {
					printLevels(groupKey, dif.Levels(rows, groupKey))
					return nil
				}
				if err := resolve(rows); err != nil {
					return err
				}
				res, err := screener.Run(input(rows))
				if err != nil {
					return err
				}
				report(os.Stderr, d, res, bank)
				return dif.WriteCSV(os.Stdout, res)
			}

			rows, err := a.store.ResponseRows("")
			if err != nil {
				return err
			}
			if listLevels {
				printLevels(groupKey, dif.Levels(rows, groupKey))
				return nil
			}
			if err := resolve(rows); err != nil {
				return err
			}
			byDomain := make(map[domain.Domain][]dif.Row)
			for _, r := range rows {
				byDomain[r.Domain] = append(byDomain[r.Domain], r)
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			results := make([]*dif.Result, len(domain.Domains))
			g, _ := errgroup.WithContext(cmd.Context())
			for i, d := range domain.Domains {
				g.Go(func() error {
					res, err := screener.Run(input(byDomain[d]))
					if err != nil {
						return fmt.Errorf("%s: %w", d, err)
					}
					results[i] = res
					path := filepath.Join(outDir, fmt.Sprintf("dif_%s_%s_vs_%s.csv", d, ref, focal))
					f, err := os.Create(path)
					if err != nil {
						return err
					}
					if err := dif.WriteCSV(f, res); err != nil {
						f.Close()
						return err
					}
					return f.Close()
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for i, d := range domain.Domains {
				report(os.Stdout, d, results[i], bank)
				if !results[i].Insufficient {
					a.metrics.SetFlagged(string(d), results[i].Flagged())
				}
			}
			fmt.Printf("Tables written to %s\n", outDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dom, "domain", "d", string(domain.Gc), "domain to screen")
	cmd.Flags().StringVar(&groupKey, "group-key", "", "grouping variable (default from config)")
	cmd.Flags().StringVar(&ref, "ref", "", "reference group level (default largest group)")
	cmd.Flags().StringVar(&focal, "focal", "", "focal group level (default second largest group)")
	cmd.Flags().BoolVar(&listLevels, "levels", false, "list the levels of the grouping variable and exit")
	cmd.Flags().IntVar(&strata, "strata", 0, "score strata (default from config)")
	cmd.Flags().BoolVar(&allDomains, "all-domains", false, "screen every domain concurrently")
	cmd.Flags().StringVarP(&outDir, "out", "o", "dif", "output directory for --all-domains")
	return cmd
}

func report(w io.Writer, d domain.Domain, res *dif.Result, bank *itembank.Bank) {
	if res.Insufficient {
		fmt.Fprintf(w, "%-4s insufficient data: %s\n", d, res.Note)
		return
	}
	fmt.Fprintf(w, "%-4s nRef=%d nFocal=%d  %s\n", d, res.NRef, res.NFocal, res.Note)
	for _, it := range res.Items {
		if it.Flag {
			fmt.Fprintf(w, "     FLAG %s  alpha=%.3f  delta=%+.2f\n", it.ItemID, it.Alpha, it.DeltaMH)
			if bank == nil {
				continue
			}
			if item, ok := bank.Item(it.ItemID); ok {
				if stem := itembank.StemText(item, 72); stem != "" {
					fmt.Fprintf(w, "          %s\n", stem)
				}
			}
		}
	}
}

func printLevels(key string, levels []dif.Level) {
	if len(levels) == 0 {
		fmt.Printf("No completed sessions carry %s.\n", key)
		return
	}
	for _, l := range levels {
		fmt.Printf("%-16s  %5d\n", l.Value, l.Persons)
	}
}
