package crm

// User field ids of the Sunway24 deal card.
const (
	FieldClientCode          = "UF_CRM_1591163139028"
	FieldWeight              = "UF_CRM_1764049517590"
	FieldVolume              = "UF_CRM_1764049564263"
	FieldExpectedSendDate    = "UF_CRM_1764049614030"
	FieldExpectedArrivalDate = "UF_CRM_1764049649086"
	FieldInsurance           = "UF_CRM_1764049805679"
	FieldCargoMarking        = "UF_CRM_1764049909974"
	FieldProductCategory     = "UF_CRM_1764050074878"
	FieldInvoiceCost         = "UF_CRM_1764050233702"
	FieldArrivalCity         = "UF_CRM_1764050267877"
)

var dealSelect = []string{
	"ID", "TITLE", "DATE_CREATE", "DATE_MODIFY", "STAGE_ID", "CONTACT_ID", "OPPORTUNITY", "CURRENCY_ID",
	FieldClientCode,
	FieldWeight,
	FieldVolume,
	FieldProductCategory,
	FieldExpectedSendDate,
	FieldExpectedArrivalDate,
	FieldInsurance,
	FieldCargoMarking,
	FieldInvoiceCost,
	FieldArrivalCity,
}

var contactSelect = []string{"ID", "NAME", "LAST_NAME", "EMAIL", "PHONE"}
