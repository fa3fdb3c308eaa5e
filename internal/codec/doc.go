// Package codec provides cache.Codec implementations: raw bytes, HTTP-style
// resources that remember their content type, and decoded images whose
// encoding format is a field of the codec value.
package codec
