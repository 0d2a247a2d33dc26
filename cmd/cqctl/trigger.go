package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgstream/cqengine/internal/catalog"
	"github.com/pgstream/cqengine/internal/trigger"
)

func init() {
	triggerCmd := &cobra.Command{Use: "trigger", Short: "Row-level trigger operations"}

	var oid int64
	var name, cvName string
	var cvID int32
	var matrelID int64
	var onInsert, onUpdate bool

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a row-level trigger against a continuous query's matrel",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openCatalog()
			if err != nil {
				return err
			}
			defer closeFn()

			var events trigger.TriggerEvent
			if onInsert {
				events |= trigger.EventInsert
			}
			if onUpdate {
				events |= trigger.EventUpdate
			}

			triggers := catalog.NewTriggerStore(store.DB, store)
			tr := trigger.Trigger{OID: oid, Name: name, CVName: cvName, CVID: cvID, Events: events}
			if err := triggers.RegisterTrigger(cmd.Context(), tr, matrelID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "registered trigger %d (%s)\n", oid, tr.SubscriptionName())
			return nil
		},
	}
	registerCmd.Flags().Int64Var(&oid, "oid", 0, "trigger oid (required)")
	registerCmd.Flags().StringVar(&name, "name", "", "trigger name (required)")
	registerCmd.Flags().StringVar(&cvName, "cv-name", "", "continuous view name (required)")
	registerCmd.Flags().Int32Var(&cvID, "cv-id", 0, "continuous query id")
	registerCmd.Flags().Int64Var(&matrelID, "matrel-id", 0, "matrel id this trigger fires on (required)")
	registerCmd.Flags().BoolVar(&onInsert, "on-insert", true, "fire on insert")
	registerCmd.Flags().BoolVar(&onUpdate, "on-update", true, "fire on update")
	_ = registerCmd.MarkFlagRequired("oid")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("cv-name")
	_ = registerCmd.MarkFlagRequired("matrel-id")
	triggerCmd.AddCommand(registerCmd)

	dropCmd := &cobra.Command{
		Use:   "drop OID",
		Short: "Drop a registered trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid trigger oid %q: %w", args[0], err)
			}
			store, closeFn, err := openCatalog()
			if err != nil {
				return err
			}
			defer closeFn()

			triggers := catalog.NewTriggerStore(store.DB, store)
			if err := triggers.DropTrigger(cmd.Context(), parsed); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "dropped trigger %d\n", parsed)
			return nil
		},
	}
	triggerCmd.AddCommand(dropCmd)

	subscribeCmd := &cobra.Command{
		Use:   "subscribe NAME",
		Short: "Subscribe to a trigger's alert feed and print it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return subscribe(cmd.Context(), alertAddrFlag, args[0], os.Stdout)
		},
	}
	triggerCmd.AddCommand(subscribeCmd)

	rootCmd.AddCommand(triggerCmd)
}

// subscribe opens a TCP connection to the alert server's subscribe
// protocol (internal/alertserver's line-based "subscribe\tNAME" frame)
// and copies every pushed alert line to out until the connection closes
// or ctx is cancelled.
func subscribe(ctx context.Context, addr, name string, out *os.File) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("cqctl: dialing alert server %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := fmt.Fprintf(conn, "subscribe\t%s\n", name); err != nil {
		return fmt.Errorf("cqctl: sending subscribe frame: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "subscribe_fail":
			return fmt.Errorf("cqctl: subscribe to %q refused", name)
		case strings.HasPrefix(line, "dropped"):
			fmt.Fprintf(out, "trigger %q was dropped\n", name)
			return nil
		default:
			fmt.Fprintln(out, line)
		}
	}
	return scanner.Err()
}
