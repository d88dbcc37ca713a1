package instrument

import (
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/broker"
)

// Cache is a local, file-backed instrument catalog used as the
// Resolver's DataProvider. It holds the contract universe IBKR's
// reqContractDetails would otherwise have to be called for on every
// lookup, refreshed out of band.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if absent) a sqlite-backed contract cache
// at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("instrument: open cache: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	con_id   INTEGER PRIMARY KEY,
	symbol   TEXT NOT NULL,
	name     TEXT NOT NULL DEFAULT '',
	sec_type TEXT NOT NULL,
	exchange TEXT NOT NULL,
	currency TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contracts_symbol ON contracts(symbol);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("instrument: migrate cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Upsert inserts or replaces a contract row, e.g. from a nightly
// security-master refresh.
func (c *Cache) Upsert(conID int64, symbol, name, secType, exchange, currency string) error {
	_, err := c.db.Exec(`
INSERT INTO contracts (con_id, symbol, name, sec_type, exchange, currency)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(con_id) DO UPDATE SET
	symbol=excluded.symbol, name=excluded.name, sec_type=excluded.sec_type,
	exchange=excluded.exchange, currency=excluded.currency`,
		conID, symbol, name, secType, exchange, currency)
	return err
}

// GetContractByID satisfies DataProvider.
func (c *Cache) GetContractByID(conID int64) (broker.Instrument, bool) {
	row := c.db.QueryRow(`SELECT con_id, symbol, sec_type, exchange, currency FROM contracts WHERE con_id = ?`, conID)
	var inst broker.Instrument
	if err := row.Scan(&inst.ConID, &inst.Symbol, &inst.SecType, &inst.Exchange, &inst.Currency); err != nil {
		return broker.Instrument{}, false
	}
	return inst, true
}

// ResolveInstrument satisfies DataProvider: an exact symbol+filters
// match, erroring if none or more than one row qualifies.
func (c *Cache) ResolveInstrument(symbol, secType, exchange, currency string) (broker.Instrument, error) {
	query := `SELECT con_id, symbol, sec_type, exchange, currency FROM contracts WHERE symbol = ?`
	args := []any{symbol}
	if secType != "" {
		query += ` AND sec_type = ?`
		args = append(args, secType)
	}
	if exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, exchange)
	}
	if currency != "" {
		query += ` AND currency = ?`
		args = append(args, currency)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return broker.Instrument{}, err
	}
	defer rows.Close()

	var matches []broker.Instrument
	for rows.Next() {
		var inst broker.Instrument
		if err := rows.Scan(&inst.ConID, &inst.Symbol, &inst.SecType, &inst.Exchange, &inst.Currency); err != nil {
			return broker.Instrument{}, err
		}
		matches = append(matches, inst)
	}
	if len(matches) != 1 {
		return broker.Instrument{}, &ResolutionError{Message: fmt.Sprintf("no exact match for '%s'", symbol)}
	}
	return matches[0], nil
}

// SearchInstruments satisfies DataProvider: scans the catalog (bounded
// by filters when given), scores every row with CalculateMatchScore,
// and returns the top `limit` matches sorted by descending score.
func (c *Cache) SearchInstruments(query, secType, exchange, currency string, limit int) []Candidate {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `SELECT con_id, symbol, name, sec_type, exchange, currency FROM contracts WHERE 1=1`
	var args []any
	if secType != "" {
		sqlQuery += ` AND sec_type = ?`
		args = append(args, secType)
	}
	if exchange != "" {
		sqlQuery += ` AND exchange = ?`
		args = append(args, exchange)
	}
	if currency != "" {
		sqlQuery += ` AND currency = ?`
		args = append(args, currency)
	}

	rows, err := c.db.Query(sqlQuery, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var conID int64
		var symbol, name, secT, exch, curr string
		if err := rows.Scan(&conID, &symbol, &name, &secT, &exch, &curr); err != nil {
			continue
		}
		score := CalculateMatchScore(query, symbol, name)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			ConID:      conID,
			Symbol:     symbol,
			Name:       name,
			SecType:    secT,
			Exchange:   exch,
			Currency:   curr,
			MatchScore: score,
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].MatchScore > candidates[j].MatchScore })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

var _ DataProvider = (*Cache)(nil)
