/*
Package sgx_sp implements the service provider (SP) side of SGX EPID
remote attestation, following the message flow of the Intel code
sample:

https://software.intel.com/en-us/articles/code-sample-intel-software-guard-extensions-remote-attestation-end-to-end-example

An Attestor runs the msg0..msg4 exchange with a client over a byte
stream. A successful attestation yields a MasterKey, which can be used
exactly once: OpenChannel consumes it to key a SecureChannel to the
enclave, over which length-framed messages travel confidentially and
authenticated.

The Driver ties these together for the bootstrap case: accept one
client, attest it, connect to the enclave and read its first message.

For many concurrent clients, the SessionManager keeps one Session per
client and serves the same exchange over the Attestation gRPC service.

You can configure all of this using a pretty straightforward
JSON-based configuration file, see Configuration.
*/
package sgx_sp
