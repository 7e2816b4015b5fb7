package types

// RawResponse bypasses the server's JSON encoding: Body is written
// verbatim with the given content type. Handlers return it for
// non-JSON payloads; the compression unit returns it for encoded
// bodies (Encoding then names the applied Content-Encoding).
type RawResponse struct {
	Body        []byte
	ContentType string
	Encoding    string
	Status      int
}
