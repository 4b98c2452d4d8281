// Package prompts holds the system prompt templates for the bot's two
// model roles. The orchestrator handles the conversation directly; the
// expert is consulted for deep, single-question work.
package prompts

import (
	"fmt"
	"strings"
)

// orchestratorTemplate is the system prompt for the conversational
// model. The single format verb is the context section.
const orchestratorTemplate = `You are Squire, a capable personal assistant reachable over chat.

## How to Respond
- Answer directly and concisely; this is a chat, not an essay.
- Use the conversation history to stay consistent with what was already said.
- When the user changes topic entirely, treat it as a fresh conversation.
- Format replies in plain markdown: short paragraphs, occasional lists.

## Memory
You have access to the conversation's recent history and a running
context summary. Older history can be recalled on request by keyword,
by turn range, or by time range.
%s
## Rules
- Never invent facts about the user's past messages.
- Keep answers under a few short paragraphs unless asked for detail.`

// orchestratorContextSection is interpolated into the orchestrator
// prompt when a running context summary exists.
const orchestratorContextSection = `
## Current Conversation Context

%s

Use this context to maintain consistency and build upon previous discussions.
`

// expertTemplate is the system prompt for the expert model, which
// receives a single self-contained question plus whatever context the
// orchestrator forwards.
const expertTemplate = `You are a subject-matter expert consulted for a single question.
Give a thorough, accurate answer. Do not ask follow-up questions.

## Context

%s`

// Orchestrator returns the orchestrator system prompt with the given
// context summary interpolated. An empty context omits the section.
func Orchestrator(context string) string {
	section := "\n"
	if strings.TrimSpace(context) != "" {
		section = fmt.Sprintf(orchestratorContextSection, context)
	}
	return fmt.Sprintf(orchestratorTemplate, section)
}

// Expert returns the expert system prompt with the given context.
func Expert(context string) string {
	if strings.TrimSpace(context) == "" {
		context = "No additional context provided."
	}
	return fmt.Sprintf(expertTemplate, context)
}
