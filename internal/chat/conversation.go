package chat

// CanonicalID derives the conversation id for two participant identities.
// The pair is sorted ascending and joined, so both sides derive the same
// key without a handshake. A user's chat with themselves (a == b) is
// well-defined and yields "a:a".
func CanonicalID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
