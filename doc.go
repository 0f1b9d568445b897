// # Appu Companion Session Core
//
// This package drives a live, voice-first conversational session for children against a realtime AI service over WebRTC. It owns the connection lifecycle (credential, transport, control channel, retry policy), translates provider events into a small turn-taking vocabulary, dispatches tool calls (book search, page display, vision analysis), and coordinates the shared-reading activity so narration audio never talks over the child or the agent.
//
// See the turn and reading packages for the two state machines, and agents/examples for a complete CLI host.
package companion
