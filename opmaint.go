package nvdb

// Reindex wipes and rebuilds every derived table of a model (secondary,
// relational and subscription entries) from the main table. This is the
// recovery path after a Keys callback changes between deployments, since
// normal writes only diff against entries the stored row still derives.
func Reindex[Row any](txh Txish) error {
	tx := txh.DBTx()
	return tx.ReindexModel(modelOf[Row](tx))
}

func (tx *Tx) ReindexModel(mdl *Model) error {
	if err := tx.requireWritable(mdl); err != nil {
		return err
	}

	var derived []string
	for _, sk := range mdl.secondary {
		derived = append(derived, sk.tableName())
	}
	for _, rel := range mdl.relations {
		derived = append(derived, rel.tableName())
	}
	for _, tp := range mdl.topics {
		derived = append(derived, tp.tableName())
	}
	for _, name := range derived {
		if err := tx.wipeTable(name); err != nil {
			return err
		}
	}

	main := tx.table(mdl.mainTableName())
	c := main.Cursor()
	defer c.Close()
	var count int
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rowVal, _, err := mdl.decodeRow(v, k, tx.db.decodeCtx)
		if err != nil {
			return modelErrf(mdl, "", k, err, "decoding row during reindex")
		}
		kb := mdl.buildKeys(rowVal.Interface(), append([]byte(nil), k...))
		if err := tx.putDerived(mdl, k, v, nil, &kb); err != nil {
			return err
		}
		count++
	}

	tx.markWritten()
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: REINDEX %s (%d rows)", mdl.FullName(), count)
	}
	return nil
}

// wipeTable removes every entry of a table. Keys are collected first so the
// mutation never runs under an open cursor.
func (tx *Tx) wipeTable(name string) error {
	t := tx.table(name)

	var keys [][]byte
	c := t.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	c.Close()

	for _, k := range keys {
		if err := t.Delete(k); err != nil {
			return txErrf("wipe "+name, err)
		}
	}
	return nil
}

// VerifyIndexes checks the index consistency invariant for a model: every
// derived entry the stored rows produce exists, and no derived entry lacks
// a producing row. Returns the number of rows checked.
func VerifyIndexes[Row any](txh Txish) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireReadable(mdl); err != nil {
		return 0, err
	}

	expected := make(map[string]map[string]bool) // table -> entry key
	for _, sk := range mdl.secondary {
		expected[sk.tableName()] = make(map[string]bool)
	}
	for _, rel := range mdl.relations {
		expected[rel.tableName()] = make(map[string]bool)
	}

	// One cursor at a time: the main scan finishes before index tables are
	// walked, so this works inside a write transaction on every backend.
	main := tx.table(mdl.mainTableName())
	c := main.Cursor()
	var count int
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rowVal, _, err := mdl.decodeRow(v, k, tx.db.decodeCtx)
		if err != nil {
			c.Close()
			return count, modelErrf(mdl, "", k, err, "")
		}
		kb := mdl.buildKeys(rowVal.Interface(), append([]byte(nil), k...))
		for _, dr := range kb.rows {
			if tx.table(dr.table).Get(dr.keyRaw) == nil {
				c.Close()
				return count, modelErrf(mdl, dr.table, dr.keyRaw, nil, "missing index entry for existing row")
			}
			expected[dr.table][string(dr.keyRaw)] = true
		}
		count++
	}
	c.Close()

	for table, want := range expected {
		ic := tx.table(table).Cursor()
		for k, _ := ic.First(); k != nil; k, _ = ic.Next() {
			if !want[string(k)] {
				ic.Close()
				return count, modelErrf(mdl, table, k, nil, "dangling index entry")
			}
		}
		ic.Close()
	}
	return count, nil
}
