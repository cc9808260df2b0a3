package querycache

// SetOptimistic applies fn to the value of key ahead of the server and
// returns the transaction id to Confirm or Rollback it with. A later
// optimistic write on the same key replaces the pending transaction; the
// rollback target stays the last server value.
func (c *Cache) SetOptimistic(key string, fn func(current any, ok bool) any) string {
	e := c.lookup(key, true, false)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.config.Clock.Now()
	if e.pending == nil {
		e.pending = &optimistic{base: e.value, hasBase: e.hasValue}
	}
	e.pending.txnID = generateTxnID()
	e.pending.at = now

	e.value = fn(e.value, e.hasValue)
	e.hasValue = true
	e.updatedAt = now

	c.metrics.CacheOptimisticTxns.WithLabelValues("applied").Inc()
	e.notifyLocked()
	return e.pending.txnID
}

// Confirm keeps the optimistic value of txnID as the confirmed value
func (c *Cache) Confirm(key, txnID string) error {
	e := c.find(key)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil || e.pending.txnID != txnID {
		return ErrUnknownTxn
	}
	e.pending = nil
	c.metrics.CacheOptimisticTxns.WithLabelValues("confirmed").Inc()
	e.notifyLocked()
	return nil
}

// Rollback restores the value the optimistic write of txnID replaced, or
// the server value fetched since if that is later
func (c *Cache) Rollback(key, txnID string) error {
	e := c.find(key)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil || e.pending.txnID != txnID {
		return ErrUnknownTxn
	}
	e.value = e.pending.base
	e.hasValue = e.pending.hasBase
	e.pending = nil
	e.updatedAt = c.config.Clock.Now()

	c.metrics.CacheOptimisticTxns.WithLabelValues("rolled_back").Inc()
	e.notifyLocked()
	return nil
}
