/*
Package keys manages encryption keys for encrypted volume types.

The Manager contract is deliberately narrow: CreateKey mints a fresh key,
CopyKey duplicates an existing one under a new identity, DeleteKey destroys
one. Keys are always copied rather than referenced when a volume is derived
from a snapshot or source volume, so each volume owns its key and key
deletion stays tied 1:1 to volume deletion.

MemoryManager is the in-process implementation; a production deployment
would implement Manager against a KMS.
*/
package keys
