package ledger

import "encoding/binary"

// NFToken ids pack their defining attributes:
//
//	flags:16 transferFee:16 issuer:160 scrambledTaxon:32 serial:32
//
// The taxon is XORed with a linear congruential function of the serial so
// that ids of one taxon do not cluster.

func NFTokenFlags(id TokenKey) uint16 {
	return binary.BigEndian.Uint16(id[0:2])
}

func NFTokenTransferFee(id TokenKey) uint16 {
	return binary.BigEndian.Uint16(id[2:4])
}

func NFTokenIssuer(id TokenKey) AccountID {
	var a AccountID
	copy(a[:], id[4:24])
	return a
}

func NFTokenSerial(id TokenKey) uint32 {
	return binary.BigEndian.Uint32(id[28:32])
}

func NFTokenTaxon(id TokenKey) uint32 {
	return binary.BigEndian.Uint32(id[24:28]) ^ taxonCipher(NFTokenSerial(id))
}

func MakeNFTokenID(flags, transferFee uint16, issuer AccountID, taxon, serial uint32) TokenKey {
	var id TokenKey
	binary.BigEndian.PutUint16(id[0:2], flags)
	binary.BigEndian.PutUint16(id[2:4], transferFee)
	copy(id[4:24], issuer[:])
	binary.BigEndian.PutUint32(id[24:28], taxon^taxonCipher(serial))
	binary.BigEndian.PutUint32(id[28:32], serial)
	return id
}

func taxonCipher(serial uint32) uint32 {
	const a, c = 384160001, 2459
	return a*serial + c
}
