// Package gpbot implements GP Team's Discord assistant.
//
// The bot answers questions about GP Team using an OpenAI-compatible chat
// backend (Gemini by default), keeping a short per-user, per-channel
// conversation history. It also moderates messages in the guild using a
// second backend as a classifier, warning or timing out members whose
// messages are flagged.
//
// Key components of the package include:
//
//   - Bot: Wires everything together and handles Discord events.
//   - ChatOrchestrator: Builds prompts from history and records answers.
//   - ModerationEngine: Classifies messages and enforces the decision.
//   - RateLimiter: The per-user cooldown gate.
//   - ConversationStore: Bounded history, in memory or in Redis.
//   - API: An optional admin API for runtime configuration and history.
//
// The bot supports these commands:
//
//   - /chat: Ask the assistant a question.
//   - /setchannel: Set the channel where the assistant answers (admins only).
//   - /resetchat: Clear your conversation history in the current channel.
//
// Plain messages in the designated channel are answered as well, as
// replies to the original message.
package gpbot
