package index

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"
)

// prunedMarker is the REVISIONS name recording the newest pruned revision.
const prunedMarker = ""

// bumpRevision advances the collection revision and records it against
// name.
func (i *Index) bumpRevision(tx *sqlx.Tx, name string, deleted bool) (int64, error) {
	if _, err := tx.Exec("UPDATE REVISION_SEQUENCE SET REVISION = REVISION + 1"); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	var rev int64
	if err := tx.Get(&rev, "SELECT REVISION FROM REVISION_SEQUENCE"); err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	flag := "N"
	if deleted {
		flag = "Y"
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO REVISIONS (NAME, REVISION, DELETED) VALUES (?, ?, ?)",
		name, rev, flag,
	); err != nil {
		return 0, fmt.Errorf("record revision for %s: %w", name, err)
	}
	return rev, nil
}

// Revision is the current collection revision, usable as a sync token.
func (i *Index) Revision() (int64, error) {
	var rev int64
	if err := i.db.Get(&rev, "SELECT REVISION FROM REVISION_SEQUENCE"); err != nil {
		return 0, fmt.Errorf("revision: %w", err)
	}
	return rev, nil
}

// WhatChanged returns the names changed and deleted after revision since,
// each sorted. Deletions are only reported for since > 0; a full sync has
// nothing to delete. If deletion history older than since has been pruned,
// ErrSyncTokenInvalid is returned.
func (i *Index) WhatChanged(since int64) (changed, deleted []string, err error) {
	if since > 0 {
		var pruned int64
		err := i.db.Get(&pruned, "SELECT REVISION FROM REVISIONS WHERE NAME = ?", prunedMarker)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, nil, fmt.Errorf("what changed: %w", err)
		case since < pruned:
			return nil, nil, ErrSyncTokenInvalid
		}
	}

	var rows []struct {
		Name    string `db:"NAME"`
		Deleted string `db:"DELETED"`
	}
	if err := i.db.Select(&rows,
		"SELECT NAME, DELETED FROM REVISIONS WHERE REVISION > ? AND NAME != ?",
		since, prunedMarker,
	); err != nil {
		return nil, nil, fmt.Errorf("what changed: %w", err)
	}
	changed, deleted = []string{}, []string{}
	for _, r := range rows {
		switch {
		case r.Deleted != "Y":
			changed = append(changed, r.Name)
		case since != 0:
			deleted = append(deleted, r.Name)
		}
	}
	slices.Sort(changed)
	slices.Sort(deleted)
	return changed, deleted, nil
}

// PruneRevisions forgets deletions recorded at or before upTo. Clients whose
// sync token is older than upTo must then resynchronize.
func (i *Index) PruneRevisions(upTo int64) (int64, error) {
	var removed int64
	err := i.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM REVISIONS WHERE DELETED = 'Y' AND REVISION <= ? AND NAME != ?",
			upTo, prunedMarker,
		)
		if err != nil {
			return fmt.Errorf("prune revisions: %w", err)
		}
		removed, _ = res.RowsAffected()

		var current int64
		err = tx.Get(&current, "SELECT REVISION FROM REVISIONS WHERE NAME = ?", prunedMarker)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("prune revisions: %w", err)
		}
		if upTo > current {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO REVISIONS (NAME, REVISION, DELETED) VALUES (?, ?, 'Y')",
				prunedMarker, upTo,
			); err != nil {
				return fmt.Errorf("prune revisions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	i.logger.Info("revisions pruned", "up_to", upTo, "removed", removed, "collection", i.name)
	return removed, nil
}
