package main

import "github.com/fastprodman/pointsledger/internal/config"

type apiConfig struct {
	HTTP     config.HTTPConfig
	App      config.AppConfig
	Ledger   config.LedgerConfig
	Postgres config.PostgresConfig
}
