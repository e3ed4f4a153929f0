// Package fallback generates deployment patterns with an OpenAI-compatible
// chat model for projects no stored pattern covers.
package fallback
