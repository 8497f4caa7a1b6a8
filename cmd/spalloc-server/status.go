// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/spinnaker-tools/spalloc-core/internal/lifecycle"
	"github.com/spinnaker-tools/spalloc-core/internal/quota"
	"github.com/spinnaker-tools/spalloc-core/internal/service"
	"github.com/spinnaker-tools/spalloc-core/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a read-only summary of machines and live jobs",
	Long:  `status fills the read-only sibling of the admin UI boundary (SPEC_FULL.md): it prints live jobs and machine in-service state without owning auth or write access.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		DSN:           cfg.StoreDSN,
		HistoricalDSN: cfg.HistoricalDSN,
		BusyTimeout:   cfg.StoreBusyTimeout,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	lc := lifecycle.New(st, lifecycle.Config{GracePeriod: cfg.HistoricalGracePeriod}, log, nil)
	qm := quota.New(st, log, nil)
	svc := service.New(st, qm, lc)

	p := message.NewPrinter(language.English)

	machines, err := svc.ListMachines(ctx, true)
	if err != nil {
		return err
	}
	p.Printf("Machines (%d)\n", len(machines))
	for _, m := range machines {
		state := "in service"
		if !m.InService {
			state = "out of service"
		}
		p.Printf("  %-20s %s\n", m.Name, state)
	}

	jobs, err := svc.ListLiveJobs(ctx, 0, 0)
	if err != nil {
		return err
	}
	p.Printf("\nLive jobs (%d)\n", len(jobs))
	for _, j := range jobs {
		p.Printf("  job %d  owner=%s  state=%s  boards=%d\n", j.JobID, j.Owner, j.JobState, j.AllocationSize)
	}

	fmt.Println()
	return nil
}
