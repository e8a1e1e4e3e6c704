package main

// sampleBooks es el catálogo inicial de la tienda.
func sampleBooks() []Book {
	return []Book{
		{
			BookID:        1,
			Title:         "Jannat Kai Pattay",
			Author:        "Namrah Ahmed",
			Price:         120000,
			CoverImageURL: "https://zanjabeelbookstore.com/cdn/shop/files/WhatsAppImage2025-04-16at19.36.34_720x.jpg?v=1744874103",
			StockQuantity: 10,
		},
		{
			BookID:        2,
			Title:         "Mala",
			Author:        "Nimra Ahmed",
			Price:         150000,
			CoverImageURL: "https://zanjabeelbookstore.com/cdn/shop/files/KHA00445_de16d2e2-622b-4846-ad84-37f1e444fe8f_720x.jpg?v=1737531798",
			StockQuantity: 10,
		},
	}
}
