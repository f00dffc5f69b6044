package chainstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ardanlabs/ledger/foundation/blockchain/coin"
)

// ErrNotFound is returned when a query finds no matching row.
var ErrNotFound = errors.New("chainstore: not found")

// Every method below is defined once against the dbtx interface and exposed
// twice — on Store for standalone reads and on Tx for the mutations
// LedgerEngine runs inside its block transaction. Open Question (ii): every
// multi-column SELECT below lists columns explicitly; none project a
// parenthesized tuple.

// --- blocks ---------------------------------------------------------------

func insertBlock(q dbtx, count uint64, header coin.BlockHeader) error {
	hash := header.Hash()
	_, err := q.Exec(
		`INSERT INTO blocks (count, hash, version, prev, mrkl, time, bits, nonce)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		count, hash[:], header.Version, header.PrevHash[:], header.MerkleRoot[:], header.TimeStamp, header.Bits, header.Nonce,
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", count, err)
	}
	return nil
}

func getBlock(q dbtx, count uint64) (coin.BlockHeader, error) {
	row := q.QueryRow(
		`SELECT version, prev, mrkl, time, bits, nonce FROM blocks WHERE count = ?`,
		count,
	)

	var h coin.BlockHeader
	var prev, mrkl []byte
	if err := row.Scan(&h.Version, &prev, &mrkl, &h.TimeStamp, &h.Bits, &h.Nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coin.BlockHeader{}, ErrNotFound
		}
		return coin.BlockHeader{}, fmt.Errorf("get block %d: %w", count, err)
	}
	copy(h.PrevHash[:], prev)
	copy(h.MerkleRoot[:], mrkl)
	return h, nil
}

func deleteBlock(q dbtx, count uint64) error {
	_, err := q.Exec(`DELETE FROM blocks WHERE count = ?`, count)
	if err != nil {
		return fmt.Errorf("delete block %d: %w", count, err)
	}
	return nil
}

// --- confirmations ----------------------------------------------------------

func insertConfirmation(q dbtx, id int64, version int32, lockTime uint32, count uint64, idx uint32) error {
	// Coinbase confirmations carry a pre-computed negative ID
	// (coin.CoinbaseConfirmationID); regular confirmations let SQLite
	// allocate one via AUTOINCREMENT by passing id == 0.
	if id != 0 {
		_, err := q.Exec(
			`INSERT INTO confirmations (cnf, version, locktime, count, idx) VALUES (?, ?, ?, ?, ?)`,
			id, version, lockTime, count, idx,
		)
		if err != nil {
			return fmt.Errorf("insert confirmation %d: %w", id, err)
		}
		return nil
	}

	_, err := q.Exec(
		`INSERT INTO confirmations (version, locktime, count, idx) VALUES (?, ?, ?, ?)`,
		version, lockTime, count, idx,
	)
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

func lastInsertConfirmationID(q dbtx) (int64, error) {
	row := q.QueryRow(`SELECT cnf FROM confirmations ORDER BY cnf DESC LIMIT 1`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("last confirmation id: %w", err)
	}
	return id, nil
}

func getConfirmation(q dbtx, cnf int64) (coin.Confirmation, error) {
	row := q.QueryRow(
		`SELECT cnf, version, locktime, count, idx FROM confirmations WHERE cnf = ?`,
		cnf,
	)

	var c coin.Confirmation
	if err := row.Scan(&c.ID, &c.Version, &c.LockTime, &c.Count, &c.Index); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coin.Confirmation{}, ErrNotFound
		}
		return coin.Confirmation{}, fmt.Errorf("get confirmation %d: %w", cnf, err)
	}
	return c, nil
}

// confirmationsForBlock returns every confirmation recorded for count,
// ordered by descending index — the order detach's rollbackBlock walks them
// in (spec §4.5's "iterates confirmations in reverse index order").
func confirmationsForBlock(q dbtx, count uint64) ([]coin.Confirmation, error) {
	rows, err := q.Query(
		`SELECT cnf, version, locktime, count, idx FROM confirmations WHERE count = ? ORDER BY idx DESC`,
		count,
	)
	if err != nil {
		return nil, fmt.Errorf("confirmations for block %d: %w", count, err)
	}
	defer rows.Close()

	var out []coin.Confirmation
	for rows.Next() {
		var c coin.Confirmation
		if err := rows.Scan(&c.ID, &c.Version, &c.LockTime, &c.Count, &c.Index); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func deleteConfirmation(q dbtx, cnf int64) error {
	_, err := q.Exec(`DELETE FROM confirmations WHERE cnf = ?`, cnf)
	if err != nil {
		return fmt.Errorf("delete confirmation %d: %w", cnf, err)
	}
	return nil
}

func deleteConfirmationsAtOrBelow(q dbtx, count uint64) error {
	_, err := q.Exec(`DELETE FROM confirmations WHERE count <= ?`, count)
	if err != nil {
		return fmt.Errorf("purge confirmations <= %d: %w", count, err)
	}
	return nil
}

// --- unspents ---------------------------------------------------------------

func insertUnspent(q dbtx, u coin.Unspent) (int64, error) {
	res, err := q.Exec(
		`INSERT INTO unspents (hash, idx, value, script, count, ocnf) VALUES (?, ?, ?, ?, ?, ?)`,
		u.Outpoint.Hash[:], u.Outpoint.Index, u.Value, u.Script, u.SignedCount, u.ConfirmationID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert unspent %s: %w", u.Outpoint, err)
	}
	return res.LastInsertId()
}

func getUnspent(q dbtx, op coin.Outpoint) (coin.Unspent, error) {
	row := q.QueryRow(
		`SELECT coin, hash, idx, value, script, count, ocnf FROM unspents WHERE hash = ? AND idx = ?`,
		op.Hash[:], op.Index,
	)
	return scanUnspent(row)
}

func deleteUnspent(q dbtx, op coin.Outpoint) (coin.Unspent, error) {
	u, err := getUnspent(q, op)
	if err != nil {
		return coin.Unspent{}, err
	}

	if _, err := q.Exec(`DELETE FROM unspents WHERE coin = ?`, u.CoinID); err != nil {
		return coin.Unspent{}, fmt.Errorf("delete unspent %s: %w", op, err)
	}
	return u, nil
}

func unspentsByScript(q dbtx, script []byte, beforeCount uint64) ([]coin.Unspent, error) {
	rows, err := q.Query(
		`SELECT coin, hash, idx, value, script, count, ocnf FROM unspents
		 WHERE script = ? AND ABS(count) < ? ORDER BY coin`,
		script, beforeCount,
	)
	if err != nil {
		return nil, fmt.Errorf("unspents by script: %w", err)
	}
	defer rows.Close()

	var out []coin.Unspent
	for rows.Next() {
		u, err := scanUnspentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// unspentsByConfirmation lists every coin a confirmation issued that is
// still in the Unspents table (never spent, or spent-and-resurrected by a
// reorg already processed this same detach pass), ordered by output index.
// detach uses this to find and remove a rolled-back confirmation's own
// outputs.
func unspentsByConfirmation(q dbtx, ocnf int64) ([]coin.Unspent, error) {
	rows, err := q.Query(
		`SELECT coin, hash, idx, value, script, count, ocnf FROM unspents WHERE ocnf = ? ORDER BY idx`,
		ocnf,
	)
	if err != nil {
		return nil, fmt.Errorf("unspents by confirmation %d: %w", ocnf, err)
	}
	defer rows.Close()

	var out []coin.Unspent
	for rows.Next() {
		u, err := scanUnspentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// allUnspents lists every coin still in the Unspents table, ordered by coin
// id (insertion order). engine.New's durable rebuild uses this to
// repopulate SpendablesTrie from an existing store: spec §4.1's assign and
// §5's crash-recovery guarantee both require the trie to come back from
// whatever the store already holds, not just the BlockTree.
func allUnspents(q dbtx) ([]coin.Unspent, error) {
	rows, err := q.Query(`SELECT coin, hash, idx, value, script, count, ocnf FROM unspents ORDER BY coin`)
	if err != nil {
		return nil, fmt.Errorf("all unspents: %w", err)
	}
	defer rows.Close()

	var out []coin.Unspent
	for rows.Next() {
		u, err := scanUnspentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUnspent(row *sql.Row) (coin.Unspent, error) {
	var u coin.Unspent
	var hash []byte
	if err := row.Scan(&u.CoinID, &hash, &u.Outpoint.Index, &u.Value, &u.Script, &u.SignedCount, &u.ConfirmationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coin.Unspent{}, ErrNotFound
		}
		return coin.Unspent{}, fmt.Errorf("scan unspent: %w", err)
	}
	copy(u.Outpoint.Hash[:], hash)
	return u, nil
}

func scanUnspentRows(rows *sql.Rows) (coin.Unspent, error) {
	var u coin.Unspent
	var hash []byte
	if err := rows.Scan(&u.CoinID, &hash, &u.Outpoint.Index, &u.Value, &u.Script, &u.SignedCount, &u.ConfirmationID); err != nil {
		return coin.Unspent{}, fmt.Errorf("scan unspent: %w", err)
	}
	copy(u.Outpoint.Hash[:], hash)
	return u, nil
}

// confirmationByTxHash finds the confirmation a transaction was recorded
// under by its hash, checking still-unspent outputs first and falling back
// to archived spendings for a transaction whose outputs are all spent.
func confirmationByTxHash(q dbtx, hash coin.Hash) (int64, error) {
	var ocnf int64

	row := q.QueryRow(`SELECT ocnf FROM unspents WHERE hash = ? LIMIT 1`, hash[:])
	if err := row.Scan(&ocnf); err == nil {
		return ocnf, nil
	}

	row = q.QueryRow(`SELECT ocnf FROM spendings WHERE hash = ? LIMIT 1`, hash[:])
	if err := row.Scan(&ocnf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("confirmation by tx hash %s: %w", hash, err)
	}
	return ocnf, nil
}

// --- spendings ----------------------------------------------------------

func insertSpending(q dbtx, s coin.Spending) error {
	// An input may carry no signature script; store it as an empty blob,
	// since a nil slice would bind as NULL.
	sig := s.SigScript
	if sig == nil {
		sig = []byte{}
	}

	_, err := q.Exec(
		`INSERT INTO spendings (ocnf, coin, hash, idx, value, script, signature, sequence, icnf)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ConfirmationID, s.CoinID, s.Outpoint.Hash[:], s.Outpoint.Index, s.Value, s.Script,
		sig, s.Sequence, s.ConsumingConfID,
	)
	if err != nil {
		return fmt.Errorf("insert spending %s: %w", s.Outpoint, err)
	}
	return nil
}

// spendingsForConfirmation returns every coin a confirmation consumed,
// reconstructing each one's original SignedCount from the issuing
// confirmation's stored (unsigned) count so the Unspent it resurrects is
// indistinguishable from the one redeem first removed.
func spendingsForConfirmation(q dbtx, icnf int64) ([]coin.Spending, error) {
	rows, err := q.Query(
		`SELECT s.ocnf, s.coin, s.hash, s.idx, s.value, s.script, s.signature, s.sequence, s.icnf, c.count
		 FROM spendings s JOIN confirmations c ON c.cnf = s.ocnf
		 WHERE s.icnf = ? ORDER BY s.coin`,
		icnf,
	)
	if err != nil {
		return nil, fmt.Errorf("spendings for confirmation %d: %w", icnf, err)
	}
	defer rows.Close()

	var out []coin.Spending
	for rows.Next() {
		var s coin.Spending
		var hash []byte
		var issuedCount uint64
		if err := rows.Scan(
			&s.ConfirmationID, &s.CoinID, &hash, &s.Outpoint.Index, &s.Value, &s.Script,
			&s.SigScript, &s.Sequence, &s.ConsumingConfID, &issuedCount,
		); err != nil {
			return nil, fmt.Errorf("scan spending: %w", err)
		}
		copy(s.Outpoint.Hash[:], hash)
		if s.ConfirmationID < 0 {
			s.SignedCount = -int64(issuedCount)
		} else {
			s.SignedCount = int64(issuedCount)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// spendingsByIssuer lists the coins a confirmation issued that have since
// been spent, ordered by output index — the complement of
// unspentsByConfirmation, used to reconstruct a historical block's full
// output list.
func spendingsByIssuer(q dbtx, ocnf int64) ([]coin.Spending, error) {
	rows, err := q.Query(
		`SELECT ocnf, coin, hash, idx, value, script, signature, sequence, icnf
		 FROM spendings WHERE ocnf = ? ORDER BY idx`,
		ocnf,
	)
	if err != nil {
		return nil, fmt.Errorf("spendings by issuer %d: %w", ocnf, err)
	}
	defer rows.Close()

	var out []coin.Spending
	for rows.Next() {
		var s coin.Spending
		var hash []byte
		if err := rows.Scan(
			&s.ConfirmationID, &s.CoinID, &hash, &s.Outpoint.Index, &s.Value, &s.Script,
			&s.SigScript, &s.Sequence, &s.ConsumingConfID,
		); err != nil {
			return nil, fmt.Errorf("scan spending: %w", err)
		}
		copy(s.Outpoint.Hash[:], hash)
		out = append(out, s)
	}
	return out, rows.Err()
}

func deleteSpending(q dbtx, coinID int64) error {
	_, err := q.Exec(`DELETE FROM spendings WHERE coin = ?`, coinID)
	if err != nil {
		return fmt.Errorf("delete spending %d: %w", coinID, err)
	}
	return nil
}

func deleteSpendingsAtOrBelow(q dbtx, count uint64) error {
	_, err := q.Exec(
		`DELETE FROM spendings WHERE icnf IN (SELECT cnf FROM confirmations WHERE count <= ?)`,
		count,
	)
	if err != nil {
		return fmt.Errorf("purge spendings <= %d: %w", count, err)
	}
	return nil
}

// --- Store / Tx wrappers -----------------------------------------------

// InsertBlock records a committed block's header row.
func (s *Store) InsertBlock(count uint64, header coin.BlockHeader) error {
	return insertBlock(s.db, count, header)
}
func (t *Tx) InsertBlock(count uint64, header coin.BlockHeader) error {
	return insertBlock(t.tx, count, header)
}

// GetBlock retrieves the header row at count.
func (s *Store) GetBlock(count uint64) (coin.BlockHeader, error) { return getBlock(s.db, count) }
func (t *Tx) GetBlock(count uint64) (coin.BlockHeader, error)     { return getBlock(t.tx, count) }

// DeleteBlock removes the header row at count, as detach does when a block
// is rolled back off the main chain.
func (s *Store) DeleteBlock(count uint64) error { return deleteBlock(s.db, count) }
func (t *Tx) DeleteBlock(count uint64) error     { return deleteBlock(t.tx, count) }

// InsertConfirmation records a transaction's position within a block. Pass
// id == 0 to let the store allocate a regular confirmation id; pass a
// negative coin.CoinbaseConfirmationID for the block's coinbase.
func (s *Store) InsertConfirmation(id int64, version int32, lockTime uint32, count uint64, idx uint32) (int64, error) {
	return insertConfirmationAndID(s.db, id, version, lockTime, count, idx)
}
func (t *Tx) InsertConfirmation(id int64, version int32, lockTime uint32, count uint64, idx uint32) (int64, error) {
	return insertConfirmationAndID(t.tx, id, version, lockTime, count, idx)
}

func insertConfirmationAndID(q dbtx, id int64, version int32, lockTime uint32, count uint64, idx uint32) (int64, error) {
	if err := insertConfirmation(q, id, version, lockTime, count, idx); err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	return lastInsertConfirmationID(q)
}

// GetConfirmation retrieves a confirmation row by id.
func (s *Store) GetConfirmation(cnf int64) (coin.Confirmation, error) { return getConfirmation(s.db, cnf) }
func (t *Tx) GetConfirmation(cnf int64) (coin.Confirmation, error)     { return getConfirmation(t.tx, cnf) }

// ConfirmationsForBlock lists a block's confirmations, newest index first.
func (s *Store) ConfirmationsForBlock(count uint64) ([]coin.Confirmation, error) {
	return confirmationsForBlock(s.db, count)
}
func (t *Tx) ConfirmationsForBlock(count uint64) ([]coin.Confirmation, error) {
	return confirmationsForBlock(t.tx, count)
}

// DeleteConfirmation removes a single confirmation row.
func (s *Store) DeleteConfirmation(cnf int64) error { return deleteConfirmation(s.db, cnf) }
func (t *Tx) DeleteConfirmation(cnf int64) error     { return deleteConfirmation(t.tx, cnf) }

// InsertUnspent records a new coin, returning its store-assigned coin id.
func (s *Store) InsertUnspent(u coin.Unspent) (int64, error) { return insertUnspent(s.db, u) }
func (t *Tx) InsertUnspent(u coin.Unspent) (int64, error)     { return insertUnspent(t.tx, u) }

// GetUnspent resolves a coin by its outpoint.
func (s *Store) GetUnspent(op coin.Outpoint) (coin.Unspent, error) { return getUnspent(s.db, op) }
func (t *Tx) GetUnspent(op coin.Outpoint) (coin.Unspent, error)     { return getUnspent(t.tx, op) }

// DeleteUnspent removes a coin by outpoint, returning the row removed so the
// caller can archive it into Spendings.
func (s *Store) DeleteUnspent(op coin.Outpoint) (coin.Unspent, error) { return deleteUnspent(s.db, op) }
func (t *Tx) DeleteUnspent(op coin.Outpoint) (coin.Unspent, error)     { return deleteUnspent(t.tx, op) }

// UnspentsByScript lists coins locked by script that were introduced before
// beforeCount, for address-indexed queries (spec §6's get_unspents).
func (s *Store) UnspentsByScript(script []byte, beforeCount uint64) ([]coin.Unspent, error) {
	return unspentsByScript(s.db, script, beforeCount)
}
func (t *Tx) UnspentsByScript(script []byte, beforeCount uint64) ([]coin.Unspent, error) {
	return unspentsByScript(t.tx, script, beforeCount)
}

// AllUnspents lists every coin still in the Unspents table, for rebuilding
// SpendablesTrie when an engine starts against a non-empty store.
func (s *Store) AllUnspents() ([]coin.Unspent, error) { return allUnspents(s.db) }
func (t *Tx) AllUnspents() ([]coin.Unspent, error)     { return allUnspents(t.tx) }

// UnspentsByConfirmation lists the coins a confirmation issued that are
// still in the Unspents table.
func (s *Store) UnspentsByConfirmation(ocnf int64) ([]coin.Unspent, error) {
	return unspentsByConfirmation(s.db, ocnf)
}
func (t *Tx) UnspentsByConfirmation(ocnf int64) ([]coin.Unspent, error) {
	return unspentsByConfirmation(t.tx, ocnf)
}

// InsertSpending archives a consumed coin.
func (s *Store) InsertSpending(sp coin.Spending) error { return insertSpending(s.db, sp) }
func (t *Tx) InsertSpending(sp coin.Spending) error     { return insertSpending(t.tx, sp) }

// SpendingsForConfirmation lists the coins a confirmation consumed.
func (s *Store) SpendingsForConfirmation(icnf int64) ([]coin.Spending, error) {
	return spendingsForConfirmation(s.db, icnf)
}
func (t *Tx) SpendingsForConfirmation(icnf int64) ([]coin.Spending, error) {
	return spendingsForConfirmation(t.tx, icnf)
}

// DeleteConfirmationsAtOrBelow drops historical confirmation rows at or
// below a purge boundary (spec §4.5 step 10). Blocks and Unspents are never
// touched by purging.
func (s *Store) DeleteConfirmationsAtOrBelow(count uint64) error {
	return deleteConfirmationsAtOrBelow(s.db, count)
}
func (t *Tx) DeleteConfirmationsAtOrBelow(count uint64) error {
	return deleteConfirmationsAtOrBelow(t.tx, count)
}

// DeleteSpendingsAtOrBelow drops historical spending rows at or below a
// purge boundary.
func (s *Store) DeleteSpendingsAtOrBelow(count uint64) error {
	return deleteSpendingsAtOrBelow(s.db, count)
}
func (t *Tx) DeleteSpendingsAtOrBelow(count uint64) error {
	return deleteSpendingsAtOrBelow(t.tx, count)
}

// DeleteSpending removes a single archived spending row by its original
// coin id, as detach does once it has resurrected the coin it describes.
func (s *Store) DeleteSpending(coinID int64) error { return deleteSpending(s.db, coinID) }
func (t *Tx) DeleteSpending(coinID int64) error     { return deleteSpending(t.tx, coinID) }

// ConfirmationByTxHash finds the confirmation id a transaction was recorded
// under.
func (s *Store) ConfirmationByTxHash(hash coin.Hash) (int64, error) {
	return confirmationByTxHash(s.db, hash)
}
func (t *Tx) ConfirmationByTxHash(hash coin.Hash) (int64, error) {
	return confirmationByTxHash(t.tx, hash)
}

// SpendingsByIssuer lists the coins a confirmation issued that have since
// been spent.
func (s *Store) SpendingsByIssuer(ocnf int64) ([]coin.Spending, error) {
	return spendingsByIssuer(s.db, ocnf)
}
func (t *Tx) SpendingsByIssuer(ocnf int64) ([]coin.Spending, error) {
	return spendingsByIssuer(t.tx, ocnf)
}

// Find resolves a coin by outpoint, satisfying claimpool.UnspentLookup so the
// store itself can back ClaimPool admission below validation_depth, when the
// SpendablesTrie is not authenticated (spec §4.5, §9).
func (s *Store) Find(op coin.Outpoint) (coin.Unspent, bool) {
	u, err := getUnspent(s.db, op)
	if err != nil {
		return coin.Unspent{}, false
	}
	return u, true
}
