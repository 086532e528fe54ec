// Package hl7 owns the minimal HL7 v2 grammar the engine needs.
//
// Ownership boundary:
// - segment/field splitting over CR-terminated segments
// - acknowledgement classification (MSA-1)
// - MSH header extraction for message metadata
// - acknowledgement generation and payload validation diagnostics
//
// Nothing here interprets message content beyond those fields.
package hl7
