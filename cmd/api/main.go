package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/prestagil/prestagil/pkg/config"
	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if level, perr := logrus.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(level)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath, log)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, cfg, log)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		server.runOverdueSweep()
	}); err != nil {
		log.Fatalf("invalid sweep schedule %q: %v", cfg.SweepSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Infof("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
}

// runOverdueSweep flags past-due installments and mails the affected clients.
func (s *Server) runOverdueSweep() {
	flagged, err := s.ledger.MarkOverdue(time.Now())
	if err != nil {
		s.log.WithError(err).Error("overdue sweep failed")
		return
	}
	s.log.WithField("flagged", len(flagged)).Info("overdue sweep complete")

	if !s.notifier.Enabled() {
		return
	}
	for _, inst := range flagged {
		s.sendOverdueNotice(inst)
	}
}

func (s *Server) sendOverdueNotice(inst *models.Installment) {
	loan, err := s.storage.GetLoan(inst.OwnerID, inst.LoanID)
	if err != nil {
		s.log.WithError(err).WithField("loanId", inst.LoanID).Warn("overdue notice: loan lookup failed")
		return
	}
	client, err := s.storage.GetClient(loan.OwnerID, loan.ClientID)
	if err != nil {
		s.log.WithError(err).WithField("clientId", loan.ClientID).Warn("overdue notice: client lookup failed")
		return
	}
	if client.Email == "" {
		return
	}
	if err := s.notifier.SendOverdueNotice(client.Email, client.Name, inst.Number, inst.DueDate, inst.RemainingDue()); err != nil {
		s.log.WithError(err).WithField("clientId", client.ID).Warn("overdue notice: send failed")
	}
}
