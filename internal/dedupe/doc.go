// Package dedupe remembers recently seen submission keys so a client that
// retries a send within the window does not create a second message.
package dedupe
