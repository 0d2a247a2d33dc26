package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pgstream/cqengine/internal/catalog"
)

func openCatalog() (*catalog.Store, func(), error) {
	if dsnFlag == "" {
		return nil, nil, fmt.Errorf("--dsn (or $CQENGINE_POSTGRES_DSN) is required")
	}
	db, err := catalog.Open(dsnFlag)
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()
	if err := catalog.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := catalog.EnsureTriggerSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return catalog.New(db), func() { db.Close() }, nil
}

func init() {
	cqCmd := &cobra.Command{Use: "cq", Short: "Continuous query catalog operations"}

	var id int32
	var matrelRef, osrelRef, seqrelRef, hashExpr, swArrivalAttr, ttlColumn string
	var isSW, adhoc bool
	var swStepMs, swIntervalMs, ttlSeconds int64

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new continuous query",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openCatalog()
			if err != nil {
				return err
			}
			defer closeFn()

			cq := catalog.ContinuousQuery{
				ID:              id,
				MatrelRef:       matrelRef,
				OSRelRef:        osrelRef,
				SeqRelRef:       seqrelRef,
				HashExpr:        hashExpr,
				IsSlidingWindow: isSW,
				SWStepMs:        swStepMs,
				SWIntervalMs:    swIntervalMs,
				SWArrivalAttr:   swArrivalAttr,
				Adhoc:           adhoc,
				TTLColumn:       ttlColumn,
				TTLSeconds:      ttlSeconds,
			}
			if err := store.CreateCQ(cmd.Context(), cq); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created cq %d\n", id)
			return nil
		},
	}
	createCmd.Flags().Int32VarP(&id, "id", "i", 0, "continuous query id (required)")
	createCmd.Flags().StringVar(&matrelRef, "matrel", "", "materialized relation name (required)")
	createCmd.Flags().StringVar(&osrelRef, "osrel", "", "output-stream relation name")
	createCmd.Flags().StringVar(&seqrelRef, "seqrel", "", "sequence relation name")
	createCmd.Flags().StringVar(&hashExpr, "hash", "", "grouping-column expression text (required)")
	createCmd.Flags().BoolVar(&isSW, "sw", false, "sliding-window continuous query")
	createCmd.Flags().Int64Var(&swStepMs, "sw-step-ms", 0, "sliding-window step size, ms")
	createCmd.Flags().Int64Var(&swIntervalMs, "sw-interval-ms", 0, "sliding-window interval size, ms")
	createCmd.Flags().StringVar(&swArrivalAttr, "sw-arrival-attr", "", "sliding-window arrival timestamp attribute")
	createCmd.Flags().BoolVar(&adhoc, "adhoc", false, "ad hoc (non-materializing) continuous query")
	createCmd.Flags().StringVar(&ttlColumn, "ttl-column", "", "TTL column name (empty disables TTL vacuuming)")
	createCmd.Flags().Int64Var(&ttlSeconds, "ttl-seconds", 0, "TTL retention window, seconds")
	_ = createCmd.MarkFlagRequired("id")
	_ = createCmd.MarkFlagRequired("matrel")
	_ = createCmd.MarkFlagRequired("hash")
	cqCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every non-garbage-collected continuous query",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openCatalog()
			if err != nil {
				return err
			}
			defer closeFn()

			cqs, err := store.ListCQs(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range cqs {
				fmt.Fprintf(os.Stdout, "%d\t%s\tsw=%v\tadhoc=%v\n", c.ID, c.MatrelRef, c.IsSlidingWindow, c.Adhoc)
			}
			return nil
		},
	}
	cqCmd.AddCommand(listCmd)

	var sweep bool
	dropCmd := &cobra.Command{
		Use:   "drop ID",
		Short: "Mark a continuous query for garbage collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid cq id %q: %w", args[0], err)
			}

			store, closeFn, err := openCatalog()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.MarkForGC(cmd.Context(), int32(parsed)); err != nil {
				return err
			}
			if sweep {
				n, err := store.SweepGC(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "marked cq %d for gc, swept %d row(s)\n", parsed, n)
				return nil
			}
			fmt.Fprintf(os.Stdout, "marked cq %d for gc\n", parsed)
			return nil
		},
	}
	dropCmd.Flags().BoolVar(&sweep, "sweep", false, "also sweep every gc-marked row immediately")
	cqCmd.AddCommand(dropCmd)

	rootCmd.AddCommand(cqCmd)
}
