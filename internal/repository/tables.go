// Package repository maps the profiles, conversations and messages tables onto
// the platform table client.
package repository

const (
	TableProfiles      = "profiles"
	TableConversations = "conversations"
	TableMessages      = "messages"
)
