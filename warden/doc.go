// Package warden implements a Discord guild bot combining content
// moderation, an AI question-answering responder, a welcome-card
// greeter and a social cross-poster.
//
// Incoming gateway messages are fed to two independent mechanisms: a
// severity policy engine, which asks an external content-safety
// classifier to score message text and image attachments and applies a
// graduated action (mute, kick or ban) when a configured threshold is
// met, and a per-channel burst limiter which toggles temporary
// slow-mode when a channel gets noisy.
//
// Key components:
//
//   - Warden: The main struct tying the bot's components together.
//   - Discord: Gateway session handling and platform mutations.
//   - Moderator: The severity policy engine and its audit log.
//   - Classifier: Client for the external content-safety service.
//   - BurstLimiter: Per-channel message burst tracking and slow-mode.
//   - Responder: Mention-triggered AI question answering.
//   - Welcomer: Member-join welcome cards.
//   - Social: Cross-posting to an external publishing service.
//
// Slash commands:
//
//   - /ask: Ask the AI responder a question.
//   - /post: Cross-post a message to the configured social network.
//   - /simjoin: Replay the welcome flow for the invoking user.
//
// All moderation state other than the audit log is process-local and
// resets on restart.
package warden
