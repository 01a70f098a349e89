package db

import (
	"encoding/json"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"homewatch/models"
	"homewatch/store"
)

var _ store.Persistence = &RuleSQLDB{}

// RuleSQLDB persists the rule snapshot with one JSON document per
// recipient scope in the alert_snapshots table.
type RuleSQLDB struct {
	dbConfig DatabaseConfig
	logger   lager.Logger
	sqldb    *sqlx.DB
}

// scopeDocument is the per-row payload.
type scopeDocument struct {
	Rules           []*models.AlertRule                  `json:"rules"`
	RuntimeStates   map[string]*models.AlertRuntimeState `json:"runtime_states"`
	AlertingEnabled bool                                 `json:"alerting_enabled"`
}

func NewRuleSQLDB(dbConfig DatabaseConfig, logger lager.Logger) (*RuleSQLDB, error) {
	database, err := GetConnection(dbConfig.URL)
	if err != nil {
		return nil, err
	}

	sqldb, err := sqlx.Open(database.DriverName, database.DataSourceName)
	if err != nil {
		logger.Error("open-rule-db", err, lager.Data{"dbConfig": dbConfig})
		return nil, err
	}
	if err := sqldb.Ping(); err != nil {
		_ = sqldb.Close()
		logger.Error("ping-rule-db", err, lager.Data{"dbConfig": dbConfig})
		return nil, err
	}

	sqldb.SetConnMaxLifetime(dbConfig.ConnectionMaxLifetime)
	sqldb.SetMaxIdleConns(dbConfig.MaxIdleConnections)
	sqldb.SetMaxOpenConns(dbConfig.MaxOpenConnections)
	sqldb.SetConnMaxIdleTime(dbConfig.ConnectionMaxIdleTime)

	return &RuleSQLDB{
		dbConfig: dbConfig,
		logger:   logger,
		sqldb:    sqldb,
	}, nil
}

func (rdb *RuleSQLDB) Ping() error {
	return rdb.sqldb.Ping()
}

func (rdb *RuleSQLDB) Close() error {
	if err := rdb.sqldb.Close(); err != nil {
		rdb.logger.Error("close-rule-db", err, lager.Data{"dbConfig": rdb.dbConfig})
		return err
	}
	return nil
}

// Save replaces the stored snapshot with the given one inside a single
// transaction.
func (rdb *RuleSQLDB) Save(snapshot *store.Snapshot) error {
	documents := splitByScope(snapshot)

	tx, err := rdb.sqldb.Beginx()
	if err != nil {
		return fmt.Errorf("begin save-snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM alert_snapshots"); err != nil {
		rdb.logger.Error("clear-alert-snapshots", err)
		return err
	}
	query := rdb.sqldb.Rebind("INSERT INTO alert_snapshots(scope, snapshot) VALUES(?, ?)")
	for scope, doc := range documents {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal scope %q: %w", scope, err)
		}
		if _, err := tx.Exec(query, scope, string(data)); err != nil {
			rdb.logger.Error("insert-alert-snapshot", err, lager.Data{"scope": scope})
			return err
		}
	}
	return tx.Commit()
}

func (rdb *RuleSQLDB) Load() (*store.Snapshot, error) {
	rows, err := rdb.sqldb.Query("SELECT scope, snapshot FROM alert_snapshots")
	if err != nil {
		rdb.logger.Error("load-alert-snapshots", err)
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snapshot := &store.Snapshot{
		RuntimeStates: make(map[string]*models.AlertRuntimeState),
	}
	for rows.Next() {
		var scope, data string
		if err := rows.Scan(&scope, &data); err != nil {
			rdb.logger.Error("scan-alert-snapshot", err)
			return nil, err
		}
		doc := &scopeDocument{}
		if err := json.Unmarshal([]byte(data), doc); err != nil {
			rdb.logger.Error("unmarshal-alert-snapshot", err, lager.Data{"scope": scope})
			return nil, err
		}
		snapshot.Rules = append(snapshot.Rules, doc.Rules...)
		for id, state := range doc.RuntimeStates {
			snapshot.RuntimeStates[id] = state
		}
		if doc.AlertingEnabled {
			snapshot.EnabledScopes = append(snapshot.EnabledScopes, scope)
		}
	}
	return snapshot, rows.Err()
}

func splitByScope(snapshot *store.Snapshot) map[string]*scopeDocument {
	documents := make(map[string]*scopeDocument)
	get := func(scope string) *scopeDocument {
		doc, ok := documents[scope]
		if !ok {
			doc = &scopeDocument{RuntimeStates: make(map[string]*models.AlertRuntimeState)}
			documents[scope] = doc
		}
		return doc
	}

	for _, rule := range snapshot.Rules {
		doc := get(rule.Scope)
		doc.Rules = append(doc.Rules, rule)
		if state, ok := snapshot.RuntimeStates[rule.ID]; ok {
			doc.RuntimeStates[rule.ID] = state
		}
	}
	for _, scope := range snapshot.EnabledScopes {
		get(scope).AlertingEnabled = true
	}
	return documents
}
