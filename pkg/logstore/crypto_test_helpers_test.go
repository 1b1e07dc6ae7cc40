package logstore

import (
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func cryptoTestKey() (crypto.PrivKey, crypto.PubKey, error) {
	return crypto.GenerateEd25519Key(nil)
}

func authorFromPriv(priv crypto.PrivKey) (peer.ID, error) {
	return peer.IDFromPrivateKey(priv)
}
