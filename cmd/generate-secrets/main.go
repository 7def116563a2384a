package main

import (
	"fmt"
	"log"

	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

func main() {
	fmt.Println("===========================================")
	fmt.Println("Secret Generator for SmartTransit Seat Booking")
	fmt.Println("===========================================")
	fmt.Println()

	secrets, err := utils.GenerateDeploymentSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file or secret store:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", secrets.JWTSecret)
	fmt.Printf("MPESA_CALLBACK_TOKEN=%s\n", secrets.CallbackToken)
	fmt.Println()
	fmt.Println("MPESA_CALLBACK_URL must end with ?token=<MPESA_CALLBACK_TOKEN>.")
	fmt.Println("IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
