package ledger

import "fmt"

// TypeCode is the serialized type of a field.
type TypeCode uint8

const (
	TypeUInt16  TypeCode = 1
	TypeUInt32  TypeCode = 2
	TypeUInt64  TypeCode = 3
	TypeHash256 TypeCode = 5
	TypeBlob    TypeCode = 7
	TypeAccount TypeCode = 8
)

func (tc TypeCode) fixedSize() (int, bool) {
	switch tc {
	case TypeUInt16:
		return 2, true
	case TypeUInt32:
		return 4, true
	case TypeUInt64:
		return 8, true
	case TypeHash256:
		return 32, true
	default:
		return 0, false
	}
}

func (tc TypeCode) known() bool {
	switch tc {
	case TypeUInt16, TypeUInt32, TypeUInt64, TypeHash256, TypeBlob, TypeAccount:
		return true
	default:
		return false
	}
}

// FieldID packs a type code and a field code; ordering of FieldIDs is the
// canonical serialization order.
type FieldID uint16

func MakeFieldID(tc TypeCode, code uint8) FieldID {
	return FieldID(uint16(tc)<<8 | uint16(code))
}

func (id FieldID) Type() TypeCode { return TypeCode(id >> 8) }
func (id FieldID) Code() uint8    { return uint8(id) }

func (id FieldID) String() string {
	if f := fieldsByID[id]; f != nil {
		return f.Name
	}
	return fmt.Sprintf("Field(%d,%d)", id.Type(), id.Code())
}

type Field struct {
	Name string
	ID   FieldID
}

var fieldsByID = make(map[FieldID]*Field)

func defineField(name string, tc TypeCode, code uint8) *Field {
	f := &Field{Name: name, ID: MakeFieldID(tc, code)}
	if fieldsByID[f.ID] != nil {
		panic(fmt.Errorf("duplicate field %s/%s", name, fieldsByID[f.ID].Name))
	}
	fieldsByID[f.ID] = f
	return f
}

var (
	FieldLedgerEntryType = defineField("LedgerEntryType", TypeUInt16, 1)
	FieldTransactionType = defineField("TransactionType", TypeUInt16, 2)
	FieldTransferFee     = defineField("TransferFee", TypeUInt16, 4)

	FieldFlags        = defineField("Flags", TypeUInt32, 2)
	FieldSequence     = defineField("Sequence", TypeUInt32, 4)
	FieldNFTokenTaxon = defineField("NFTokenTaxon", TypeUInt32, 42)

	FieldMaximumAmount     = defineField("MaximumAmount", TypeUInt64, 24)
	FieldOutstandingAmount = defineField("OutstandingAmount", TypeUInt64, 25)

	FieldLedgerIndex       = defineField("LedgerIndex", TypeHash256, 6)
	FieldNFTokenID         = defineField("NFTokenID", TypeHash256, 10)
	FieldCFTokenIssuanceID = defineField("CFTokenIssuanceID", TypeHash256, 36)

	FieldURI             = defineField("URI", TypeBlob, 5)
	FieldCFTokenMetadata = defineField("CFTokenMetadata", TypeBlob, 30)

	FieldAccount = defineField("Account", TypeAccount, 1)
	FieldOwner   = defineField("Owner", TypeAccount, 2)
	FieldIssuer  = defineField("Issuer", TypeAccount, 4)
)
