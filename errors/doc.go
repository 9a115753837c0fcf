// Package errors provides standardized error handling for the gateway.
//
// # Overview
//
// Errors fall into three classes:
//
//   - Transient: broker or device transport failures. The broker link retries them
//     forever on a fixed interval; device operations log them and move on.
//   - Invalid: malformed envelopes, invalid broker data, rejected device requests.
//     The offending message is dropped and logged, nothing else is affected.
//   - Fatal: bad configuration or malformed auth keys. Construction fails and the
//     process exits.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Link", "dial", "broker connect")
//	errors.WrapInvalid(err, "Codec", "Check", "envelope decode")
//	errors.WrapFatal(err, "Codec", "New", "key parse")
//
// The generic Wrap() keeps the class of whatever it wraps.
//
// # Sentinels
//
// ErrUnknownNode and ErrDuplicateNode are returned by the node registry. The gateway
// treats both as logged no-ops. Use errors.Is to match them through any wrapping:
//
//	if errors.Is(err, errors.ErrUnknownNode) {
//	    logger.Debug("update for unknown node dropped", "uid", uid)
//	}
//
// Reason maps an error to a short label suitable for a Prometheus label value.
package errors
