package api

import (
	"fmt"
	"net/http"

	"github.com/fastprodman/pointsledger/internal/config"
)

// NewServer creates and returns a configured *http.Server for the ledger API.
func NewServer(cfg config.HTTPConfig, svc LedgerService) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(svc),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
