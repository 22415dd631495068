package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvault/ledger-core/internal/apperrors"
	"github.com/finvault/ledger-core/internal/config"
	"github.com/finvault/ledger-core/internal/events/kafka"
	"github.com/finvault/ledger-core/internal/interfaces"
	"github.com/finvault/ledger-core/internal/ledger"
	"github.com/finvault/ledger-core/internal/models"
	"github.com/finvault/ledger-core/internal/reconcile"
	"github.com/finvault/ledger-core/internal/storage/memory"
	"github.com/finvault/ledger-core/internal/storage/postgres"
)

// stores is the full set of contracts both storage backends satisfy.
type stores interface {
	interfaces.LedgerStore
	interfaces.TokenStore
	interfaces.ExternalStore
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	var store stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal("opening database", zap.Error(err))
		}
		if err := postgres.Migrate(db); err != nil {
			log.Fatal("migrating database", zap.Error(err))
		}
		store = postgres.NewStore(db)
		log.Info("using postgres store")
	} else {
		store = memory.NewStore()
		log.Info("using in-memory store")
	}

	var sink interfaces.AuditSink
	if len(cfg.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.AuditTopic)
		defer pub.Close() //nolint:errcheck
		sink = pub
		log.Info("audit events going to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	ledgerService := ledger.NewLedger(store, store, sink, log)
	engine := reconcile.NewEngine(store, store, sink, reconcile.Config{
		DateToleranceDays: cfg.ReconDateToleranceDays,
		AmountTolerance:   cfg.ReconAmountTolerance,
	}, log)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /transactions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
			Entries     []struct {
				AccountID int64           `json:"account_id"`
				Direction string          `json:"direction"`
				Amount    decimal.Decimal `json:"amount"`
			} `json:"entries"`
			TokenSerial string `json:"token_serial"`
			ExternalRef string `json:"external_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		params := ledger.CreateParams{
			Description: req.Description,
			TokenSerial: req.TokenSerial,
			ExternalRef: req.ExternalRef,
		}
		for _, e := range req.Entries {
			params.Entries = append(params.Entries, ledger.EntryInput{
				AccountID: e.AccountID,
				Direction: models.EntryDirection(e.Direction),
				Amount:    e.Amount,
			})
		}

		txID, err := ledgerService.CreateTransaction(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID})
	})

	mux.HandleFunc("POST /transactions/{id}/reverse", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
		}
		// An empty body is allowed; the reversal gets a default description.
		_ = json.NewDecoder(r.Body).Decode(&req)

		txID, err := ledgerService.Reverse(r.Context(), r.PathValue("id"), req.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID})
	})

	mux.HandleFunc("GET /transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		tx, err := ledgerService.GetTransaction(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	})

	mux.HandleFunc("GET /transactions", func(w http.ResponseWriter, r *http.Request) {
		filter := interfaces.TransactionFilter{ExternalRef: r.URL.Query().Get("external_ref")}
		if v := r.URL.Query().Get("account_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "account_id must be an integer", http.StatusBadRequest)
				return
			}
			filter.AccountID = id
		}
		txs, err := ledgerService.ListTransactions(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, txs)
	})

	mux.HandleFunc("GET /accounts/balance", func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
		if err != nil {
			http.Error(w, "account_id is a mandatory integer field", http.StatusBadRequest)
			return
		}
		balance, err := ledgerService.GetBalance(r.Context(), accountID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": accountID,
			"balance":    balance,
		})
	})

	mux.HandleFunc("POST /tokens/import", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Serials []string `json:"serials"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		n, err := ledgerService.ImportTokens(r.Context(), req.Serials)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	})

	mux.HandleFunc("POST /reconciliation/run", func(w http.ResponseWriter, r *http.Request) {
		sourceID, err := optionalSourceID(r)
		if err != nil {
			http.Error(w, "source_id must be an integer", http.StatusBadRequest)
			return
		}
		summary, err := engine.Run(r.Context(), sourceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("GET /reconciliation/report", func(w http.ResponseWriter, r *http.Request) {
		sourceID, err := optionalSourceID(r)
		if err != nil {
			http.Error(w, "source_id must be an integer", http.StatusBadRequest)
			return
		}
		report, err := engine.Report(r.Context(), sourceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /external/{id}/ignore", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "id must be an integer", http.StatusBadRequest)
			return
		}
		if err := engine.Ignore(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	})

	log.Info("starting server", zap.String("addr", cfg.HTTPAddr))
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func optionalSourceID(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("source_id")
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy onto HTTP statuses: validation
// failures are the caller's to fix, immutability and conflicts are 409s.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"check": string(apperrors.CheckOf(err)),
		})
	case errors.Is(err, apperrors.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, apperrors.ErrImmutableRecord), errors.Is(err, apperrors.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
