/*
Package agentclient implements the manager side of the agent HTTP protocol:
bearer-authenticated requests, and the async start-then-poll contract that
turns an unbounded remote operation into an idempotent status poll.
*/
package agentclient
