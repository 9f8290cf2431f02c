/*
Package frame implements the length-prefixed JSON framing spoken between a client and its worker process.

Every message on the wire is a 4-byte unsigned length followed by exactly that many payload bytes.
The payload is a JSON document in the negotiated text encoding, UTF-8 by default.
The header byte order is a property of the Codec and defaults to big-endian (network order),
so a client and a worker on different platforms still agree.

Writers use Codec.WriteFrame or Codec.Encode. Blocking readers use Codec.ReadFrame.
Readers driven by "data available" notifications use a Decoder, which accepts chunks that split headers and payloads anywhere.
*/
package frame
