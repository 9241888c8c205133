package ledger

// MarkFailed is a test helper that flips an entry to FAILED when using the
// in-memory store. Nothing in the sync flow produces FAILED entries.
func MarkFailed(s Store, walletID, txid string) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if e, exists := mem.entries[walletID][txid]; exists {
			e.Status = StatusFailed
			mem.entries[walletID][txid] = e
		}
	}
}
