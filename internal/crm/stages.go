package crm

var stageNames = map[string]string{
	"NEW":                "🆕 Новая заявка",
	"PREPARATION":        "📝 Подготовка документов",
	"PREPAYMENT_INVOICE": "💰 Счет выставлен",
	"EXECUTING":          "🚚 В работе",
	"UC_RS7UFN":          "🛒 Выкуп товара",
	"UC_1BOZ7M":          "⏳ Ждем груз от поставщика",
	"UC_Y5IE8J":          "🏭 Товар на складе",
	"UC_EWKB0I":          "📄 Накладная",
	"UC_VA28QX":          "🚚 Логистика в РФ",
	"UC_TOW1NT":          "📍 Груз прибыл на склад в РФ",
	"UC_GTV3R4":          "📄 Китайская накладная",
	"WON":                "✅ Сделка завершена",
	"LOSE":               "❌ Отменено",
}

// StageName returns the customer-facing name of a stage tag.
func StageName(tag string) string {
	if name, ok := stageNames[tag]; ok {
		return name
	}
	return "❓ " + tag
}
